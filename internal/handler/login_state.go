package handler

// loginState はログイン要求の処理状態を表す。
// 終端状態はそれぞれ1つのレスポンスに対応する。
type loginState int

const (
	stateReceived loginState = iota
	stateMethodRejected
	stateValidationRejected
	stateAuthPending
	stateAuthTransportError
	stateAuthRejected
	stateAuthMalformed
	stateAuthAccepted
)

var loginStateNames = map[loginState]string{
	stateReceived:           "received",
	stateMethodRejected:     "method_rejected",
	stateValidationRejected: "validation_rejected",
	stateAuthPending:        "auth_pending",
	stateAuthTransportError: "transport_error",
	stateAuthRejected:       "rejected",
	stateAuthMalformed:      "malformed",
	stateAuthAccepted:       "accepted",
}

// String はメトリクスのoutcomeラベルとして使う名前を返す。
func (s loginState) String() string {
	if name, ok := loginStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// terminal は状態が終端（レスポンスを書き込む状態）かどうかを返す。
func (s loginState) terminal() bool {
	switch s {
	case stateMethodRejected, stateValidationRejected,
		stateAuthTransportError, stateAuthRejected, stateAuthMalformed, stateAuthAccepted:
		return true
	}
	return false
}
