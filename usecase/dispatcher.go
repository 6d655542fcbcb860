package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fastygo/escrow/domain"
)

type CommandHandler func(ctx context.Context, payload interface{}) (interface{}, error)
type QueryHandler func(ctx context.Context, params interface{}) (interface{}, error)

// Dispatcher routes named commands and queries to their use case handlers.
// The HTTP handlers and escrowctl both go through it.
type Dispatcher struct {
	cmdHandlers map[string]CommandHandler
	qryHandlers map[string]QueryHandler
	mu          sync.RWMutex
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		cmdHandlers: make(map[string]CommandHandler),
		qryHandlers: make(map[string]QueryHandler),
	}
}

func (d *Dispatcher) RegisterCommand(name string, handler CommandHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmdHandlers[name] = handler
}

func (d *Dispatcher) RegisterQuery(name string, handler QueryHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.qryHandlers[name] = handler
}

func (d *Dispatcher) ExecuteCommand(ctx context.Context, name string, payload interface{}) (interface{}, error) {
	d.mu.RLock()
	handler, ok := d.cmdHandlers[name]
	d.mu.RUnlock()
	if !ok {
		return nil, notRegistered("command", name)
	}
	return handler(ctx, payload)
}

func (d *Dispatcher) ExecuteQuery(ctx context.Context, name string, params interface{}) (interface{}, error) {
	d.mu.RLock()
	handler, ok := d.qryHandlers[name]
	d.mu.RUnlock()
	if !ok {
		return nil, notRegistered("query", name)
	}
	return handler(ctx, params)
}

// Commands lists the registered command names in sorted order.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.cmdHandlers)
}

// Queries lists the registered query names in sorted order.
func (d *Dispatcher) Queries() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.qryHandlers)
}

// Command executes a command and asserts its result type.
func Command[T any](ctx context.Context, d *Dispatcher, name string, payload interface{}) (T, error) {
	out, err := d.ExecuteCommand(ctx, name, payload)
	return typed[T](name, out, err)
}

// Query executes a query and asserts its result type.
func Query[T any](ctx context.Context, d *Dispatcher, name string, params interface{}) (T, error) {
	out, err := d.ExecuteQuery(ctx, name, params)
	return typed[T](name, out, err)
}

func typed[T any](name string, out interface{}, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	result, ok := out.(T)
	if !ok {
		return zero, domain.NewError(domain.ErrCodeInternal, fmt.Sprintf("%s returned %T", name, out))
	}
	return result, nil
}

func notRegistered(kind, name string) error {
	return domain.NewError(domain.ErrCodeInternal, fmt.Sprintf("%s handler %s not registered", kind, name))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
