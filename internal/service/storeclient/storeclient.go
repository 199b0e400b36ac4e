package storeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/storewallet/internal/model"
)

// JSON ответ сервиса настроек магазина
type SettingsAnswer struct {
	StoreID            string          `json:"storeId"`
	CreditExchangeRate decimal.Decimal `json:"creditExchangeRate"`
	CreditMinPurchase  decimal.Decimal `json:"creditMinPurchase"`
	CreditMaxPurchase  decimal.Decimal `json:"creditMaxPurchase"`
}

type StoreClient interface {
	StoreSettings(ctx context.Context, storeID string) (model.StoreSettings, error)
}

type storeClient struct {
	client *resty.Client
}

func NewStoreClient(serviceAddr string) StoreClient {
	return storeClient{client: resty.New().SetBaseURL(serviceAddr)}
}

func (c storeClient) StoreSettings(ctx context.Context, storeID string) (model.StoreSettings, error) {
	path := "/api/stores/{storeID}/credit-settings"

	setresp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("storeID", storeID).
		Get(path)
	if err != nil {
		return model.StoreSettings{}, err
	}

	switch setresp.StatusCode() {
	case http.StatusOK:
		var answer SettingsAnswer
		if err = json.Unmarshal(setresp.Body(), &answer); err != nil {
			return model.StoreSettings{}, err
		}
		if answer.StoreID == "" {
			answer.StoreID = storeID
		}
		return model.StoreSettings{
			StoreID:            answer.StoreID,
			CreditExchangeRate: answer.CreditExchangeRate,
			CreditMinPurchase:  answer.CreditMinPurchase,
			CreditMaxPurchase:  answer.CreditMaxPurchase,
		}, nil
	case http.StatusNotFound:
		return model.StoreSettings{}, fmt.Errorf("store %s settings: %w", storeID, model.ErrNotFound)
	default:
		return model.StoreSettings{}, fmt.Errorf("store settings request status: %d", setresp.StatusCode())
	}
}
