package aiclient

import "sort"

// Registry maps provider names to clients and model ids to their provider.
type Registry struct {
	clients map[string]Client
	byModel map[string]Client
}

func NewRegistry(clients ...Client) *Registry {
	registry := &Registry{
		clients: make(map[string]Client, len(clients)),
		byModel: make(map[string]Client),
	}
	for _, client := range clients {
		registry.clients[client.Name()] = client
		for _, model := range client.Models() {
			registry.byModel[model] = client
		}
	}
	return registry
}

func (r *Registry) Get(name string) (Client, bool) {
	client, ok := r.clients[name]
	return client, ok
}

// ForModel resolves the client serving a model id.
func (r *Registry) ForModel(model string) (Client, bool) {
	client, ok := r.byModel[model]
	return client, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
