package graph

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/rafflepool/config"
	"github.com/lvdashuaibi/rafflepool/internal/service"
)

// AdminTokenHeader 管理员令牌请求头
const AdminTokenHeader = "X-Admin-Token"

// GraphQLServer GraphQL服务器
type GraphQLServer struct {
	schema     *graphql.Schema
	engine     *gin.Engine
	adminToken string
	path       string
	logger     *slog.Logger
	httpServer *http.Server
}

// NewGraphQLServer 创建新的GraphQL服务器
func NewGraphQLServer(raffleService *service.RaffleService, serverCfg config.ServerConfig, gqlCfg config.GraphQLConfig, logger *slog.Logger) *GraphQLServer {
	// 解析Schema并创建GraphQL实例
	schema := graphql.MustParseSchema(schemaString, NewResolver(raffleService))

	s := &GraphQLServer{
		schema:     schema,
		adminToken: serverCfg.AdminToken,
		path:       gqlCfg.Path,
		logger:     logger,
	}
	if s.path == "" {
		s.path = "/graphql"
	}
	s.engine = s.routes(&relay.Handler{Schema: schema})
	return s
}

func (s *GraphQLServer) routes(handler http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// GraphQL API端点
	r.POST(s.path, s.adminContext(), gin.WrapH(handler))

	// GraphQL Playground
	page := strings.ReplaceAll(playgroundHTML, "{{endpoint}}", s.path)
	r.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
	})
	return r
}

// adminContext 令牌匹配时在请求上下文中标记管理员。未配置令牌时没有人是管理员
func (s *GraphQLServer) adminContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(AdminTokenHeader)
		admin := s.adminToken != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
		c.Request = c.Request.WithContext(service.WithAdmin(c.Request.Context(), admin))
		c.Next()
	}
}

func (s *GraphQLServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP请求",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

// Handler 用于测试和嵌入
func (s *GraphQLServer) Handler() http.Handler {
	return s.engine
}

// Start 启动GraphQL服务器，阻塞直到 Shutdown
func (s *GraphQLServer) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("GraphQL服务已启动", "endpoint", s.path, "playground", "http://localhost"+addr+"/")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *GraphQLServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Raffle Pool GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root">
    <style>
      body {
        background-color: rgb(23, 42, 58);
        font-family: Open Sans, sans-serif;
        height: 90vh;
      }
      #root {
        height: 100%;
        width: 100%;
        display: flex;
        align-items: center;
        justify-content: center;
      }
      .loading {
        font-size: 32px;
        font-weight: 200;
        color: rgba(255, 255, 255, .6);
        margin-left: 20px;
      }
      img {
        width: 78px;
        height: 78px;
      }
      .title {
        font-weight: 400;
      }
    </style>
    <img src='https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/logo.png' alt=''>
    <div class="loading"> 
      <span class="title">Raffle Pool GraphQL Playground</span>
    </div>
  </div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '{{endpoint}}'
      })
    })</script>
</body>
</html>
`
