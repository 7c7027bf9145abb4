package proxylite

import (
	"fmt"
	"reflect"
)

// HandlerInfo is the reflect-validated shape of a registered workflow or
// activity function.
type HandlerInfo struct {
	HandlerName string
	Handler     interface{}
	ParamTypes  []reflect.Type
	ReturnTypes []reflect.Type
	NumIn       int
	NumOut      int
}

// RegistryBuilder collects workflow and activity implementations before
// the client boots. Registration with the proxy happens during New.
type RegistryBuilder struct {
	workflows  map[string]interface{}
	activities map[string]interface{}
}

func NewRegistry() *RegistryBuilder {
	return &RegistryBuilder{
		workflows:  make(map[string]interface{}),
		activities: make(map[string]interface{}),
	}
}

// Workflow adds a workflow function under the name the proxy will invoke
// it by. Signature: func(WorkflowContext, args...) (results..., error).
func (b *RegistryBuilder) Workflow(name string, workflow interface{}) *RegistryBuilder {
	b.workflows[name] = workflow
	return b
}

// Activity adds an activity function under the name the proxy will invoke
// it by. Signature: func(ActivityContext, args...) (results..., error).
func (b *RegistryBuilder) Activity(name string, activity interface{}) *RegistryBuilder {
	b.activities[name] = activity
	return b
}

// Build validates every handler signature and finalizes the registry.
func (b *RegistryBuilder) Build() (*Registry, error) {
	r := &Registry{
		workflows:  make(map[string]HandlerInfo, len(b.workflows)),
		activities: make(map[string]HandlerInfo, len(b.activities)),
	}
	for name, fn := range b.workflows {
		info, err := analyzeHandler(name, fn, reflect.TypeOf(WorkflowContext{}))
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", name, err)
		}
		r.workflows[name] = info
	}
	for name, fn := range b.activities {
		info, err := analyzeHandler(name, fn, reflect.TypeOf(ActivityContext{}))
		if err != nil {
			return nil, fmt.Errorf("activity %q: %w", name, err)
		}
		r.activities[name] = info
	}
	return r, nil
}

// Registry holds the validated handlers, keyed by registration name.
type Registry struct {
	workflows  map[string]HandlerInfo
	activities map[string]HandlerInfo
}

func (r *Registry) workflow(name string) (HandlerInfo, bool) {
	info, ok := r.workflows[name]
	return info, ok
}

func (r *Registry) activity(name string) (HandlerInfo, bool) {
	info, ok := r.activities[name]
	return info, ok
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

func analyzeHandler(name string, fn interface{}, contextType reflect.Type) (HandlerInfo, error) {
	if fn == nil {
		return HandlerInfo{}, fmt.Errorf("handler is nil")
	}
	handlerType := reflect.TypeOf(fn)
	if handlerType.Kind() != reflect.Func {
		return HandlerInfo{}, fmt.Errorf("handler must be a function, got %s", handlerType.Kind())
	}
	if handlerType.NumIn() < 1 || handlerType.In(0) != contextType {
		return HandlerInfo{}, fmt.Errorf("first parameter must be %s", contextType)
	}
	if handlerType.NumOut() < 1 || handlerType.Out(handlerType.NumOut()-1) != errType {
		return HandlerInfo{}, fmt.Errorf("last return value must be error")
	}

	paramTypes := make([]reflect.Type, 0, handlerType.NumIn()-1)
	for i := 1; i < handlerType.NumIn(); i++ {
		paramTypes = append(paramTypes, handlerType.In(i))
	}
	returnTypes := make([]reflect.Type, 0, handlerType.NumOut()-1)
	for i := 0; i < handlerType.NumOut()-1; i++ {
		returnTypes = append(returnTypes, handlerType.Out(i))
	}

	return HandlerInfo{
		HandlerName: name,
		Handler:     fn,
		ParamTypes:  paramTypes,
		ReturnTypes: returnTypes,
		NumIn:       len(paramTypes),
		NumOut:      len(returnTypes),
	}, nil
}
