package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry keeps capabilities by name. It holds no per-turn state and is
// safe for concurrent dispatch.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	observers    []func(Invocation)
	logger       *zap.Logger
}

type RegistryOption func(*Registry)

func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver is called after every dispatch, successful or not.
func WithObserver(observer func(Invocation)) RegistryOption {
	return func(r *Registry) {
		if observer != nil {
			r.observers = append(r.observers, observer)
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		capabilities: map[string]Capability{},
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(capability Capability) error {
	if capability == nil {
		return fmt.Errorf("capability is nil")
	}
	name := strings.TrimSpace(capability.Contract().Name)
	if name == "" {
		return fmt.Errorf("capability name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.capabilities[name]; exists {
		return fmt.Errorf("capability %s already registered", name)
	}
	r.capabilities[name] = capability
	return nil
}

func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	capability, ok := r.capabilities[strings.TrimSpace(name)]
	return capability, ok
}

// Contracts lists every registered contract sorted by name.
func (r *Registry) Contracts() []Contract {
	r.mu.RLock()
	contracts := make([]Contract, 0, len(r.capabilities))
	for _, capability := range r.capabilities {
		contracts = append(contracts, capability.Contract().withDefaults())
	}
	r.mu.RUnlock()
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].Name < contracts[j].Name })
	return contracts
}

func (r *Registry) Names() []string {
	contracts := r.Contracts()
	names := make([]string, 0, len(contracts))
	for _, contract := range contracts {
		names = append(names, contract.Name)
	}
	return names
}

// RemoteNames lists the capabilities served by the remote capability
// service, sorted by name.
func (r *Registry) RemoteNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.capabilities))
	for name, capability := range r.capabilities {
		if _, ok := capability.(*RemoteCapability); ok {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Dispatch validates and runs one capability call. The returned invocation
// is always populated; the error is a *ValidationError when the call was
// rejected and a *CapabilityError when the capability failed.
func (r *Registry) Dispatch(ctx context.Context, name string, input Input) (inv Invocation, err error) {
	inv = Invocation{
		ID:         uuid.New().String(),
		Capability: strings.TrimSpace(name),
		Input:      input,
		StartedAt:  time.Now().UTC(),
	}
	defer func() {
		inv.Duration = time.Since(inv.StartedAt)
		if err != nil {
			inv.Status = StatusError
			inv.Error = err.Error()
		} else {
			inv.Status = StatusOK
		}
		r.notify(inv)
	}()

	capability, ok := r.Lookup(name)
	if !ok {
		return inv, &ValidationError{Capability: inv.Capability, Message: InvalidToolMessage}
	}
	contract := capability.Contract().withDefaults()
	if err := validateInput(contract, input); err != nil {
		return inv, err
	}

	output, err := r.invoke(ctx, capability, contract.Name, input)
	if err != nil {
		r.logger.Warn("capability_failed", zap.String("capability", contract.Name), zap.Error(err))
		return inv, err
	}
	if output.Text == "" && len(output.Scores) > 0 {
		output.Text = FormatScores(output.Scores)
	}
	inv.Output = output
	r.logger.Debug("capability_invoked", zap.String("capability", contract.Name), zap.Duration("duration", time.Since(inv.StartedAt)))
	return inv, nil
}

func (r *Registry) invoke(ctx context.Context, capability Capability, name string, input Input) (output Output, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &CapabilityError{Capability: name, Message: fmt.Sprintf("panic: %v", recovered)}
		}
	}()
	output, err = capability.Invoke(ctx, input)
	if err != nil {
		if _, ok := err.(*CapabilityError); ok {
			return Output{}, err
		}
		return Output{}, &CapabilityError{Capability: name, Message: err.Error()}
	}
	return output, nil
}

func (r *Registry) notify(inv Invocation) {
	for _, observer := range r.observers {
		observer(inv)
	}
}

func validateInput(contract Contract, input Input) error {
	if strings.TrimSpace(input.ImagePath) == "" {
		if contract.RequiresImage {
			return &ValidationError{Capability: contract.Name, Message: "an image is required"}
		}
	} else if _, err := os.Stat(input.ImagePath); err != nil {
		return &ValidationError{Capability: contract.Name, Message: "image is not available"}
	}

	params := make(map[string]any, len(input.Args)+2)
	for key, value := range input.Args {
		params[key] = value
	}
	if input.ImagePath != "" {
		params[FieldImage] = input.ImagePath
	}
	if strings.TrimSpace(input.Instruction) != "" {
		params[FieldInstruction] = input.Instruction
	}
	for _, field := range contract.Input.Required {
		if _, ok := params[field]; !ok {
			return &ValidationError{Capability: contract.Name, Message: "missing required field: " + field}
		}
	}
	for key, value := range input.Args {
		prop, ok := contract.Input.Properties[key]
		if !ok || prop.Type == "" {
			continue
		}
		if err := checkType(value, prop.Type); err != nil {
			return &ValidationError{Capability: contract.Name, Message: fmt.Sprintf("field %s: %v", key, err)}
		}
	}
	return nil
}

func checkType(value any, expected string) error {
	ok := false
	switch expected {
	case "string":
		_, ok = value.(string)
	case "number":
		ok = isNumber(value)
	case "integer":
		ok = isInteger(value)
	case "boolean":
		_, ok = value.(bool)
	case "object":
		_, ok = value.(map[string]any)
	case "array":
		_, ok = value.([]any)
	default:
		return fmt.Errorf("unsupported schema type %q", expected)
	}
	if !ok {
		return fmt.Errorf("expected %s but got %T", expected, value)
	}
	return nil
}

func isNumber(value any) bool {
	switch v := value.(type) {
	case float32, float64, int, int32, int64:
		return true
	case json.Number:
		_, err := v.Float64()
		return err == nil
	}
	return false
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int32, int64:
		return true
	case float64:
		return math.Trunc(v) == v
	case json.Number:
		_, err := v.Int64()
		return err == nil
	}
	return false
}
