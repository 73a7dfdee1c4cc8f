package validation

import (
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// AnalyzeBodyKey is the fiber Locals key holding the validated *AnalyzeBody.
const AnalyzeBodyKey = "analyze_body"

// AnalyzeBody is the request body of the article analysis route.
type AnalyzeBody struct {
	Content string `json:"content"`
	Format  string `json:"format"`
}

type Config struct {
	MaxQueryLength int
	// MaxContentSize is measured in bytes of the content field.
	MaxContentSize int
	AllowedFormats []string
	Logger         *zap.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = 200
	}
	if cfg.MaxContentSize <= 0 {
		cfg.MaxContentSize = 1024 * 1024
	}
	if len(cfg.AllowedFormats) == 0 {
		cfg.AllowedFormats = []string{"text", "html"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// QueryMiddleware bounds the length of every query-string value.
func QueryMiddleware(cfg Config) fiber.Handler {
	cfg.setDefaults()

	return func(c *fiber.Ctx) error {
		var tooLong string
		c.Context().QueryArgs().VisitAll(func(key, value []byte) {
			if tooLong == "" && utf8.RuneCount(value) > cfg.MaxQueryLength {
				tooLong = string(key)
			}
		})
		if tooLong != "" {
			return reject(c, fiber.StatusBadRequest, "query parameter "+tooLong+" exceeds maximum length")
		}
		return c.Next()
	}
}

// AnalyzeMiddleware validates the analysis request body and stores the
// parsed *AnalyzeBody under AnalyzeBodyKey.
func AnalyzeMiddleware(cfg Config) fiber.Handler {
	cfg.setDefaults()

	return func(c *fiber.Ctx) error {
		if ct := c.Get(fiber.HeaderContentType); !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
			return reject(c, fiber.StatusUnsupportedMediaType, "content type must be application/json")
		}

		var body AnalyzeBody
		if err := c.BodyParser(&body); err != nil {
			cfg.Logger.Debug("Rejected malformed analyze body", zap.String("ip", c.IP()), zap.Error(err))
			return reject(c, fiber.StatusBadRequest, "invalid JSON body")
		}

		body.Content = strings.ReplaceAll(body.Content, "\x00", "")
		if strings.TrimSpace(body.Content) == "" {
			return reject(c, fiber.StatusBadRequest, "content is required")
		}
		if len(body.Content) > cfg.MaxContentSize {
			cfg.Logger.Warn("Rejected oversized article",
				zap.String("ip", c.IP()),
				zap.Int("size", len(body.Content)),
			)
			return reject(c, fiber.StatusRequestEntityTooLarge, "content exceeds maximum size")
		}

		body.Format = strings.ToLower(strings.TrimSpace(body.Format))
		if body.Format != "" && !allowed(cfg.AllowedFormats, body.Format) {
			return reject(c, fiber.StatusBadRequest, "unsupported format "+body.Format)
		}

		c.Locals(AnalyzeBodyKey, &body)
		return c.Next()
	}
}

func allowed(formats []string, format string) bool {
	for _, f := range formats {
		if f == format {
			return true
		}
	}
	return false
}

func reject(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"code":    1,
		"message": message,
		"data":    nil,
	})
}
