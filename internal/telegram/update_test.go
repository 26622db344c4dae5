package telegram

import (
	"encoding/json"
	"testing"
)

func TestUserLabel(t *testing.T) {
	tests := []struct {
		name string
		user User
		want string
	}{
		{"username", User{ID: 1, Username: "alice", FirstName: "Alice"}, "@alice"},
		{"first name", User{ID: 2, FirstName: "Bob"}, "Bob"},
		{"id only", User{ID: 3}, "id3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.user.Label(); got != tt.want {
				t.Fatalf("Label() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUpdateDecodeSuccessfulPayment(t *testing.T) {
	raw := `{"update_id":10,"message":{"message_id":5,"from":{"id":42},"chat":{"id":42},
		"successful_payment":{"currency":"XTR","total_amount":250,"invoice_payload":"abc123:tok",
		"telegram_payment_charge_id":"stxCharge"}}}`

	var upd Update
	if err := json.Unmarshal([]byte(raw), &upd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if upd.Message == nil || upd.Message.SuccessfulPayment == nil {
		t.Fatalf("successful payment not decoded: %+v", upd)
	}
	p := upd.Message.SuccessfulPayment
	if p.TotalAmount != 250 || p.TelegramPaymentChargeID != "stxCharge" || p.Currency != StarsCurrency {
		t.Fatalf("unexpected payment: %+v", p)
	}
}
