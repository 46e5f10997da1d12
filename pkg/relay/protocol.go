// Package relay реализует сигнальный ретранслятор поверх websocket.
//
// Клиент подключается к /ws с JWT в параметре token, после чего обменивается
// кадрами Frame. Ретранслятор не разбирает полезную нагрузку: он только
// доставляет ее подключенному получателю и предупреждает клиента об истечении токена.
package relay

import (
	"encoding/json"
	"fmt"
)

// Op тип кадра
type Op string

const (
	// OpMessage сообщение другому пользователю
	OpMessage Op = "message"
	// OpRenewToken клиент передает новый токен
	OpRenewToken Op = "renew_token"
	// OpTokenRenewed ретранслятор принял новый токен
	OpTokenRenewed Op = "token_renewed"
	// OpTokenExpiring токен скоро истечет
	OpTokenExpiring Op = "token_expiring"
	// OpError ошибка обработки кадра
	OpError Op = "error"
)

// Коды ошибок в кадрах OpError
const (
	ErrorPeerOffline  = "peer_offline"
	ErrorBadFrame     = "bad_frame"
	ErrorInvalidToken = "invalid_token"
	ErrorReplaced     = "replaced"
)

// Frame кадр websocket протокола
type Frame struct {
	Op      Op     `json:"op"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Token   string `json:"token,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DecodeFrame разбирает кадр и проверяет обязательные поля
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("relay: bad frame: %w", err)
	}
	switch f.Op {
	case OpMessage:
		if f.To == "" && f.From == "" {
			return nil, fmt.Errorf("relay: message frame without address")
		}
	case OpRenewToken:
		if f.Token == "" {
			return nil, fmt.Errorf("relay: renew frame without token")
		}
	case OpTokenRenewed, OpTokenExpiring, OpError:
	default:
		return nil, fmt.Errorf("relay: unknown op %q", f.Op)
	}
	return &f, nil
}

// Encode сериализует кадр
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
