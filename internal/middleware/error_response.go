package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/loginproxy/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// クライアントには汎用メッセージのみを返し、内部のエラーコードや詳細は含めない。
type ErrorResponseBody struct {
	Message string `json:"message"`
}

// WriteJSON はキャッシュ禁止ヘッダー付きでJSONレスポンスを書き込む。
// 認証に関わるレスポンスは中間キャッシュに保存させない。
func WriteJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteJSON(w, statusCode, ErrorResponseBody{Message: apiErr.Message})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
