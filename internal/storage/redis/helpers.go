package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/storage"
)

const (
	windowPrefix      = "kportal:window:"
	windowIndexKey    = "kportal:windows"
	packagePrefix     = "kportal:package:"
	packageIndexKey   = "kportal:packages"
	transactionPrefix = "kportal:tx:"
	txIndexKey        = "kportal:txs"
	planPrefix        = "kportal:plan:"
	planIndexKey      = "kportal:plans"
	subPrefix         = "kportal:subscription:"
	subIndexKey       = "kportal:subscriptions"
)

func windowKey(userKey string) string {
	return windowPrefix + userKey
}

func packageKey(id string) string {
	return packagePrefix + id
}

func transactionKey(id string) string {
	return transactionPrefix + id
}

func planKey(id string) string {
	return planPrefix + id
}

func subscriptionKey(id string) string {
	return subPrefix + id
}

// parsePackage converts a Redis hash to a Package
func parsePackage(data map[string]string) (*access.Package, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	price, err := strconv.ParseFloat(data["price"], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price: %w", err)
	}

	duration, err := strconv.Atoi(data["duration"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration: %w", err)
	}

	popular, err := strconv.ParseBool(data["popular"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse popular: %w", err)
	}

	downloadSpeed, err := strconv.Atoi(data["download_speed"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse download_speed: %w", err)
	}

	maxDownloadSpeed, err := strconv.Atoi(data["max_download_speed"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse max_download_speed: %w", err)
	}

	return &access.Package{
		ID:               data["id"],
		Name:             data["name"],
		Price:            price,
		Duration:         duration,
		DurationUnit:     access.DurationUnit(data["duration_unit"]),
		Description:      data["description"],
		Popular:          popular,
		DownloadSpeed:    downloadSpeed,
		MaxDownloadSpeed: maxDownloadSpeed,
	}, nil
}

// parseTransaction converts a Redis hash to a Transaction
func parseTransaction(data map[string]string) (*storage.Transaction, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	amount, err := strconv.ParseFloat(data["amount"], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &storage.Transaction{
		ID:            data["id"],
		UserKey:       data["user_key"],
		PackageID:     data["package_id"],
		PhoneNumber:   data["phone_number"],
		Amount:        amount,
		Method:        storage.PaymentMethod(data["method"]),
		Reference:     data["reference"],
		Status:        storage.TransactionStatus(data["status"]),
		FailureReason: data["failure_reason"],
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}, nil
}
