// admin-token 为运维人员签发访问管理端接口的令牌
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"registry-licensing-system/internal/config"
	"registry-licensing-system/internal/util"
)

func main() {
	subject := flag.String("subject", "operator", "令牌主体")
	role := flag.String("role", util.RoleAdmin, "角色: admin 或 operator")
	ttl := flag.Duration("ttl", 24*time.Hour, "有效期")
	flag.Parse()

	cfg := config.Load()
	token, err := util.GenerateToken(cfg.JWTSecret, *subject, *role, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "生成令牌失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
