package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

const paymentRequestTTL = 5 * time.Minute

// PaymentRequest is what a payer learns by scanning a receiver's QR code.
type PaymentRequest struct {
	ReceiverID int64  `json:"receiverId"`
	Amount     int64  `json:"amount"`
	Timestamp  int64  `json:"timestamp"`
	Nonce      string `json:"nonce"`
}

// QRService issues single-use payment requests. The payer consumes the
// request and then submits an ordinary transfer for it.
type QRService struct {
	store  Store
	ledger *LedgerService
	redis  *redis.Client
	now    func() time.Time
	nonce  func() string
}

func NewQRService(store Store, ledger *LedgerService, redis *redis.Client) *QRService {
	return &QRService{
		store:  store,
		ledger: ledger,
		redis:  redis,
		now:    time.Now,
		nonce:  uuid.NewString,
	}
}

func (s *QRService) GenerateQRCode(ctx context.Context, receiverID int64, amount int64) (string, string, error) {
	if s.redis == nil {
		return "", "", fmt.Errorf("%w: payment requests need redis", models.ErrStorageFailure)
	}
	if err := s.ledger.ValidateAmount(amount); err != nil {
		return "", "", err
	}
	receiver, err := s.store.GetAccount(ctx, receiverID)
	if err != nil {
		return "", "", err
	}
	if receiver.Disabled {
		return "", "", fmt.Errorf("%w: account %d is disabled", models.ErrValidation, receiverID)
	}

	jsonData, err := json.Marshal(PaymentRequest{
		ReceiverID: receiverID,
		Amount:     amount,
		Timestamp:  s.now().Unix(),
		Nonce:      s.nonce(),
	})
	if err != nil {
		return "", "", err
	}

	qrCode := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("payreq:%s", qrCode)
	if err := s.redis.Set(ctx, key, string(jsonData), paymentRequestTTL).Err(); err != nil {
		return "", "", fmt.Errorf("%w: %v", models.ErrStorageFailure, err)
	}

	qr, err := qrcode.New(qrCode, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	return qrCode, qrImage, nil
}

// ProcessQRCode returns the payment request behind qrData and invalidates it.
func (s *QRService) ProcessQRCode(ctx context.Context, qrData string) (*PaymentRequest, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("%w: payment requests need redis", models.ErrStorageFailure)
	}
	key := fmt.Sprintf("payreq:%s", qrData)

	// GETDEL hands the request to exactly one caller.
	data, err := s.redis.GetDel(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: invalid or expired QR code", models.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorageFailure, err)
	}

	var result PaymentRequest
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed payment request", models.ErrValidation)
	}

	return &result, nil
}
