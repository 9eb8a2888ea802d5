package middleware

import (
	"crypto/subtle"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/santamore/feeds/internal/config"
)

// MpesaCallbackGuard checks the shared callback token and, when configured,
// the sender IP before a callback reaches the reconciler. Rejections use the
// gateway's acknowledgement shape.
func MpesaCallbackGuard(cfg config.MpesaConfig) fiber.Handler {
	allowed := make(map[string]struct{}, len(cfg.CallbackAllowIPs))
	for _, ip := range cfg.CallbackAllowIPs {
		allowed[ip] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		if len(allowed) > 0 {
			if _, ok := allowed[c.IP()]; !ok {
				log.Printf("[Callback] rejected callback from %s: not in allowlist", c.IP())
				return writeCallbackRejection(c)
			}
		}

		if cfg.CallbackToken != "" {
			token := c.Query("token")
			if token == "" {
				token = c.Get("X-Callback-Token")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.CallbackToken)) != 1 {
				log.Printf("[Callback] rejected callback from %s: bad token", c.IP())
				return writeCallbackRejection(c)
			}
		}

		return c.Next()
	}
}

func writeCallbackRejection(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"ResultCode": 1,
		"ResultDesc": "Rejected",
	})
}
