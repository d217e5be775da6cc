package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kds/internal/domain"
)

const defaultRequestTimeout = 10 * time.Second

// HTTPOrderAPI — клиент внешнего сервиса заказов поверх его JSON-контракта.
// Аутентификация и хранение — забота сервиса; терминалу нужны только формы
// запроса и ответа.
type HTTPOrderAPI struct {
	baseURL string
	http    *http.Client
	logger  *log.Entry
}

// NewHTTPOrderAPI создаёт клиент для baseURL (например, https://api.example.com/v1).
func NewHTTPOrderAPI(baseURL string, httpClient *http.Client, logger *log.Entry) *HTTPOrderAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if logger == nil {
		logger = log.New().WithField("component", "order-api")
	}
	return &HTTPOrderAPI{
		baseURL: baseURL,
		http:    httpClient,
		logger:  logger,
	}
}

// FetchActiveOrders возвращает активные заказы заведения.
func (c *HTTPOrderAPI) FetchActiveOrders(ctx context.Context, venueID string) ([]domain.VersionedOrder, error) {
	endpoint := fmt.Sprintf("%s/venues/%s/orders?active=true", c.baseURL, url.PathEscape(venueID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch active orders: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch active orders: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Orders []domain.VersionedOrder `json:"orders"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode orders response: %w", err)
	}
	return payload.Orders, nil
}

// UpdateOrder отправляет изменение заказа. Конфликт версий — не ошибка:
// он приходит в теле ответа и отдаётся вызывающему для разрешения; ошибкой
// считается только временный сбой (сеть, 5xx).
func (c *HTTPOrderAPI) UpdateOrder(ctx context.Context, updateReq domain.UpdateRequest) (domain.UpdateResponse, error) {
	body, err := json.Marshal(updateReq)
	if err != nil {
		return domain.UpdateResponse{}, fmt.Errorf("marshal update request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/orders/%s/status", c.baseURL, url.PathEscape(updateReq.OrderID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.UpdateResponse{}, fmt.Errorf("build update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.UpdateResponse{}, fmt.Errorf("send update request: %w", err)
	}
	defer resp.Body.Close()

	// 409 несёт тело с деталями конфликта, 200 — успех либо текст временной
	// ошибки; всё остальное — временный сбой.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return domain.UpdateResponse{}, fmt.Errorf("update order: unexpected status %d", resp.StatusCode)
	}

	var updateResp domain.UpdateResponse
	if err := json.NewDecoder(resp.Body).Decode(&updateResp); err != nil {
		return domain.UpdateResponse{}, fmt.Errorf("decode update response: %w", err)
	}

	c.logger.WithFields(log.Fields{
		"order_id": updateReq.OrderID,
		"version":  updateReq.Version,
		"success":  updateResp.Success,
		"conflict": updateResp.Conflict != nil,
	}).Debug("order update response received")

	return updateResp, nil
}

var _ domain.OrderAPI = (*HTTPOrderAPI)(nil)
