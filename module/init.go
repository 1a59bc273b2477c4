package module

import (
	"context"
	"net/http"

	gigapiconfig "github.com/gigapi/gigapi-config/config"
	"github.com/gigapi/gigapi/v2/modules"

	"github.com/gigapi/gigapi-lakehouse/config"
	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/querier"
)

var server *querier.Server

func WithNoError(hndl func(w http.ResponseWriter, r *http.Request),
) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		hndl(w, r)
		return nil
	}
}

// routes are the lakehouse endpoints exposed through a gigapi node.
func routes(s *querier.Server) []*modules.Route {
	return []*modules.Route{
		{Path: "/query", Methods: []string{"GET", "POST", "OPTIONS"}, Handler: WithNoError(s.HandleQuery)},
		{Path: "/v1/namespaces", Methods: []string{"GET"}, Handler: WithNoError(s.HandleListNamespaces)},
		{Path: "/v1/namespaces/{namespace}/tables", Methods: []string{"GET"}, Handler: WithNoError(s.HandleListTables)},
		{Path: "/v1/namespaces/{namespace}/tables/{table}", Methods: []string{"GET"}, Handler: WithNoError(s.HandleGetTable)},
		{Path: "/v1/namespaces/{namespace}/tables/{table}/history", Methods: []string{"GET"}, Handler: WithNoError(s.HandleHistory)},
		{Path: "/v1/namespaces/{namespace}/tables/{table}/optimize", Methods: []string{"POST"}, Handler: WithNoError(s.HandleOptimize)},
		{Path: "/v1/namespaces/{namespace}/tables/{table}/vacuum", Methods: []string{"POST"}, Handler: WithNoError(s.HandleVacuum)},
	}
}

// Init serves the lakehouse from a gigapi node. Mode, root and ports come
// from the node configuration, table settings from the lakehouse one.
func Init(api modules.Api) {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	node := gigapiconfig.Config
	cfg.ApplyNode(config.Node{
		Mode:          node.Gigapi.Mode,
		Root:          node.Gigapi.Root,
		Port:          node.Port,
		FlightSQLPort: node.FlightSqlPort,
	})
	if cfg.Mode != "readonly" && cfg.Mode != "aio" {
		return
	}
	server, err = querier.NewServer(core.WithDefaultLogger(context.Background(), "module"), cfg)
	if err != nil {
		panic(err)
	}
	for _, r := range routes(server) {
		api.RegisterRoute(r)
	}
}

func Close() {
	if server != nil {
		_ = server.Close()
	}
}
