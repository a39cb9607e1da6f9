package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body 统一的JSON响应结构
type Body struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Code: 0, Data: data})
}

// Fail 失败响应（HTTP 200，业务code非0）
func Fail(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Body{Code: 1, Message: message, Data: data})
}

// FailWithStatus 带HTTP状态码的失败响应
func FailWithStatus(c *gin.Context, status int, message string) {
	c.JSON(status, Body{Code: 1, Message: message})
}
