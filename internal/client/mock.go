package client

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/kds/internal/domain"
)

// MockOrderAPI — конфигурируемая заглушка OrderAPI для тестов и локальной
// разработки. Ответы на UpdateOrder снимаются со сценария по одному;
// после исчерпания сценария возвращается успех с эхом изменений.
type MockOrderAPI struct {
	mu sync.Mutex

	ActiveOrders []domain.VersionedOrder
	FetchErr     error

	// Script — очередь заранее заданных исходов UpdateOrder.
	Script []ScriptedResponse

	FetchCalls  int
	UpdateCalls int
	// Requests — журнал отправленных запросов в порядке поступления.
	Requests []domain.UpdateRequest
}

// ScriptedResponse — один заранее заданный исход UpdateOrder.
type ScriptedResponse struct {
	Response domain.UpdateResponse
	Err      error
}

// NewMockOrderAPI возвращает mock с успешным сценарием по умолчанию.
func NewMockOrderAPI() *MockOrderAPI {
	return &MockOrderAPI{}
}

// FetchActiveOrders возвращает настроенный список заказов и считает вызовы.
func (m *MockOrderAPI) FetchActiveOrders(ctx context.Context, venueID string) ([]domain.VersionedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FetchCalls++
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	orders := make([]domain.VersionedOrder, len(m.ActiveOrders))
	for i, order := range m.ActiveOrders {
		orders[i] = order.Clone()
	}
	return orders, nil
}

// UpdateOrder снимает следующий исход со сценария и журналирует запрос.
func (m *MockOrderAPI) UpdateOrder(ctx context.Context, req domain.UpdateRequest) (domain.UpdateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateCalls++
	m.Requests = append(m.Requests, req)

	if len(m.Script) > 0 {
		next := m.Script[0]
		m.Script = m.Script[1:]
		return next.Response, next.Err
	}

	// Сценарий исчерпан: подтверждаем изменение, как сделал бы сервер.
	confirmed := m.confirmLocked(req)
	return domain.UpdateResponse{Success: true, Order: &confirmed}, nil
}

// Enqueue добавляет исход в конец сценария.
func (m *MockOrderAPI) Enqueue(resp domain.UpdateResponse, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Script = append(m.Script, ScriptedResponse{Response: resp, Err: err})
}

// confirmLocked строит серверный заказ для автоподтверждения: изменения
// применены, версия инкрементирована относительно запрошенной базы.
func (m *MockOrderAPI) confirmLocked(req domain.UpdateRequest) domain.VersionedOrder {
	var base domain.VersionedOrder
	found := false
	for _, order := range m.ActiveOrders {
		if order.ID == req.OrderID {
			base = order.Clone()
			found = true
			break
		}
	}
	if !found {
		base = domain.VersionedOrder{ID: req.OrderID, Version: req.Version}
	}

	confirmed := req.Changes.ApplyTo(base)
	confirmed.Version = req.Version + 1
	confirmed.ClientVersion = confirmed.Version
	return confirmed
}

var _ domain.OrderAPI = (*MockOrderAPI)(nil)
