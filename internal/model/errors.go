package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// クライアントにはMessageのみを返し、Codeはログとメトリクスで使用する。
type APIError struct {
	Code    string // エラーコード
	Message string // クライアント向けの汎用メッセージ
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidMethod    = "INVALID_METHOD"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeUpstreamRejected = "UPSTREAM_REJECTED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeRateLimited      = "RATE_LIMITED"
)

// NewInvalidMethodError はPOST以外のメソッドに対するエラーを生成する。
func NewInvalidMethodError() *APIError {
	return &APIError{
		Code:    ErrCodeInvalidMethod,
		Message: "Method Not Allowed",
	}
}

// NewInvalidInputError はユーザー名またはパスワードが欠けている場合のエラーを生成する。
// 入力値そのものはメッセージに含めない。
func NewInvalidInputError() *APIError {
	return &APIError{
		Code:    ErrCodeInvalidInput,
		Message: "Missing username or password",
	}
}

// NewAuthFailedError は認証サービスが資格情報を拒否した場合のエラーを生成する。
// 上流のレスポンスボディは含めない。
func NewAuthFailedError() *APIError {
	return &APIError{
		Code:    ErrCodeUpstreamRejected,
		Message: "Authentication failed",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、クライアントには汎用メッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:    ErrCodeInternal,
		Message: "Internal Server Error",
	}
}

// NewRateLimitedError はレート制限超過時のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:    ErrCodeRateLimited,
		Message: "Too Many Requests",
	}
}
