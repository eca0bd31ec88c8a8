package middleware

import (
	"strings"

	"registry-licensing-system/internal/util"

	"github.com/gofiber/fiber/v2"
)

const (
	localSubject = "subject"
	localRole    = "role"
)

// Auth 校验 Bearer 令牌，把主体和角色放进上下文
func Auth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "未提供认证令牌",
			})
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "无效的认证格式",
			})
		}

		claims, err := util.ValidateToken(secret, tokenParts[1])
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "无效的认证令牌",
			})
		}

		c.Locals(localSubject, claims.Subject)
		c.Locals(localRole, claims.Role)
		return c.Next()
	}
}

// AdminOnly 必须放在 Auth 之后
func AdminOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, _ := c.Locals(localRole).(string)
		if role != util.RoleAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "需要管理员权限",
			})
		}
		return c.Next()
	}
}

// Subject 当前请求的令牌主体，未认证时为空
func Subject(c *fiber.Ctx) string {
	s, _ := c.Locals(localSubject).(string)
	return s
}
