package config

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

// Parser answers dotted-path lookups like "middlewares.cache.params" against
// a generic view of the configuration. The view is built once by round
// tripping the typed config through YAML.
type Parser struct {
	config *types.ServiceConfig
	data   map[string]interface{}
}

func NewParser(config *types.ServiceConfig) *Parser {
	parser := &Parser{
		config: config,
		data:   make(map[string]interface{}),
	}

	configBytes, err := yaml.Marshal(config)
	if err != nil {
		return parser
	}

	if err := yaml.Unmarshal(configBytes, &parser.data); err != nil {
		parser.data = make(map[string]interface{})
	}

	return parser
}

func (p *Parser) GetValue(path string, defaultValue interface{}) interface{} {
	value := p.navigateToPath(path)
	if value == nil {
		return defaultValue
	}
	return value
}

// GetAs decodes the value at path into target through a YAML round trip.
func (p *Parser) GetAs(path string, target interface{}) error {
	value := p.navigateToPath(path)
	if value == nil {
		return types.Errorf(types.ErrConfigNotFound, "path: %s", path)
	}

	valueBytes, err := yaml.Marshal(value)
	if err != nil {
		return types.WrapError(err, "failed to marshal config value")
	}

	if err = yaml.Unmarshal(valueBytes, target); err != nil {
		return types.WrapError(err, "failed to unmarshal config value")
	}

	return nil
}

func (p *Parser) navigateToPath(path string) interface{} {
	if path == "" {
		return p.data
	}

	var current interface{} = p.data
	for _, part := range strings.Split(path, ".") {
		current = step(current, part)
		if current == nil {
			return nil
		}
	}

	return current
}

// step descends one map level. yaml.v3 decodes nested maps with string
// keys, but values injected programmatically may still use interface keys.
func step(node interface{}, key string) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		return v[key]
	case map[interface{}]interface{}:
		return v[key]
	default:
		return nil
	}
}
