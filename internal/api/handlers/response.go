package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/storygraph/backend/pkg/apperr"
	"github.com/storygraph/backend/pkg/logger"
)

const (
	CodeOK   = 0
	CodeFail = 1
)

// Envelope is the body of every API response.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(Envelope{Code: CodeOK, Message: "success", Data: data})
}

func fail(c *fiber.Ctx, err error) error {
	status := apperr.HTTPStatus(err)

	fields := []zap.Field{
		zap.String("path", c.Path()),
		zap.String("code", string(apperr.CodeOf(err))),
		zap.Error(err),
	}
	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed", fields...)
	} else {
		logger.Debug("Request rejected", fields...)
	}

	return c.Status(status).JSON(Envelope{Code: CodeFail, Message: err.Error()})
}

func invalid(c *fiber.Ctx, msg string) error {
	return fail(c, apperr.New(apperr.CodeRequestInvalid, msg))
}

// ErrorHandler renders errors that escape a handler, such as unknown routes,
// in the response envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	if fe, isFiber := err.(*fiber.Error); isFiber {
		return c.Status(fe.Code).JSON(Envelope{Code: CodeFail, Message: fe.Message})
	}
	return fail(c, err)
}
