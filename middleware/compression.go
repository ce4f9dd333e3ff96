package middleware

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

const (
	AlgorithmGzip    = "gzip"
	AlgorithmDeflate = "deflate"
	AlgorithmBrotli  = "br"

	defaultCompressionLevel = 6
	defaultThreshold        = 1024

	// Responses that shrink less than this fraction are sent uncompressed.
	minCompressionGain = 0.05
)

type CompressionConfig struct {
	Algorithm    string   `json:"algorithm"`
	Level        int      `json:"level"`
	Threshold    int      `json:"threshold"`
	AllowedTypes []string `json:"allowed_types"`
}

// compressor is satisfied by the gzip, flate and brotli writers so one
// pool serves whichever algorithm is configured.
type compressor interface {
	Write(p []byte) (int, error)
	Close() error
	Reset(w io.Writer)
}

type CompressionMiddleware struct {
	logger     types.Logger
	metrics    types.MetricsManager
	cfg        *CompressionConfig
	name       string
	weight     int
	algorithm  []byte
	writerPool sync.Pool
}

func NewCompressionMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *CompressionMiddleware {
	cfg := &CompressionConfig{}

	item := config.GetConfig().Middlewares.Compression
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, cfg); err != nil {
			logger.Error("Failed to unmarshal compression middleware config", zap.Error(err))
		}
	}

	if err := validateCompressionConfig(cfg); err != nil {
		logger.Warn("Invalid compression config, using defaults", zap.Error(err))
		cfg = &CompressionConfig{
			Algorithm: AlgorithmGzip,
			Level:     defaultCompressionLevel,
			Threshold: defaultThreshold,
			AllowedTypes: []string{
				"application/json",
				"application/xml",
				"text/*",
			},
		}
	}

	cm := &CompressionMiddleware{
		name:      "compression",
		weight:    item.Weight,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		algorithm: []byte(cfg.Algorithm),
	}

	cm.writerPool = sync.Pool{
		New: func() interface{} {
			switch cfg.Algorithm {
			case AlgorithmDeflate:
				w, _ := flate.NewWriter(nil, cfg.Level)
				return compressor(w)
			case AlgorithmBrotli:
				return compressor(brotli.NewWriterLevel(nil, cfg.Level))
			default:
				w, _ := gzip.NewWriterLevel(nil, cfg.Level)
				return compressor(w)
			}
		},
	}

	return cm
}

func validateCompressionConfig(cfg *CompressionConfig) error {
	switch cfg.Algorithm {
	case AlgorithmGzip, AlgorithmDeflate, AlgorithmBrotli:
	default:
		return fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}

	if cfg.Level < -1 || cfg.Level > 11 {
		return fmt.Errorf("invalid compression level: %d", cfg.Level)
	}
	if cfg.Level > 9 && cfg.Algorithm != AlgorithmBrotli {
		return fmt.Errorf("level %d only valid for brotli", cfg.Level)
	}
	if cfg.Threshold < 0 {
		return fmt.Errorf("invalid threshold: %d", cfg.Threshold)
	}
	return nil
}

func (c *CompressionMiddleware) Name() string          { return c.name }
func (c *CompressionMiddleware) Weight() int           { return c.weight }
func (c *CompressionMiddleware) Provider() interface{} { return nil }

func (c *CompressionMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	accepted := bytes.Contains(ctx.Request.Header.Peek("Accept-Encoding"), c.algorithm)

	next(ctx)

	if !accepted {
		return
	}
	if len(ctx.Response.Header.Peek("Content-Encoding")) > 0 {
		return
	}
	if !c.shouldCompress(ctx.Response.Header.Peek("Content-Type")) {
		return
	}

	c.compressResponse(ctx)
}

func (c *CompressionMiddleware) shouldCompress(contentType []byte) bool {
	if len(contentType) == 0 {
		return false
	}

	ct := string(contentType)
	if semicolon := strings.Index(ct, ";"); semicolon != -1 {
		ct = ct[:semicolon]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))

	for _, allowed := range c.cfg.AllowedTypes {
		if allowed == ct {
			return true
		}
		if strings.HasSuffix(allowed, "*") && strings.HasPrefix(ct, strings.TrimSuffix(allowed, "*")) {
			return true
		}
	}
	return false
}

func (c *CompressionMiddleware) compressResponse(ctx *fasthttp.RequestCtx) {
	body := ctx.Response.Body()
	originalSize := len(body)
	if originalSize < c.cfg.Threshold {
		return
	}

	buf := bytes.NewBuffer(make([]byte, 0, originalSize/3))

	writer := c.writerPool.Get().(compressor)
	writer.Reset(buf)

	if _, err := writer.Write(body); err != nil {
		c.logger.Error("Compression failed", zap.Error(err))
		c.writerPool.Put(writer)
		return
	}
	if err := writer.Close(); err != nil {
		c.logger.Error("Compression failed", zap.Error(err))
		c.writerPool.Put(writer)
		return
	}
	writer.Reset(nil)
	c.writerPool.Put(writer)

	compressedSize := buf.Len()
	if 1.0-float64(compressedSize)/float64(originalSize) < minCompressionGain {
		return
	}

	ctx.Response.Header.SetContentEncoding(c.cfg.Algorithm)
	ctx.Response.Header.SetContentLength(compressedSize)
	c.addVaryHeader(ctx)
	ctx.Response.SetBody(buf.Bytes())

	if c.metrics != nil {
		c.metrics.Counter("compression_responses_total", map[string]string{
			"algorithm": c.cfg.Algorithm,
		}).Inc()
	}
}

func (c *CompressionMiddleware) addVaryHeader(ctx *fasthttp.RequestCtx) {
	existing := ctx.Response.Header.Peek("Vary")
	if len(existing) == 0 {
		ctx.Response.Header.Set("Vary", "Accept-Encoding")
		return
	}
	if !bytes.Contains(existing, []byte("Accept-Encoding")) {
		ctx.Response.Header.Set("Vary", string(existing)+", Accept-Encoding")
	}
}
