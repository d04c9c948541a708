// Package server assembles the gatekeeper's HTTP surface: paid routes, the
// paid MCP endpoint and the ledger API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/x402-foundation/x402-gatekeeper/internal/config"
	"github.com/x402-foundation/x402-gatekeeper/internal/ledger"
	x402mcp "github.com/x402-foundation/x402-gatekeeper/pkg/mcp"
	"github.com/x402-foundation/x402-gatekeeper/pkg/stdlib"
	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
)

// Version is reported by the MCP endpoint.
var Version = "dev"

// NewRouter mounts every configured route and tool. Each route is validated
// here so a bad config fails at startup.
func NewRouter(cfg *config.Config, gk *x402.Gatekeeper, store ledger.Store, logger *slog.Logger) (http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	catalog := &Catalog{}
	now := time.Now()

	for i, route := range cfg.Routes {
		handler, err := routeHandler(route)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		price, err := x402.ParsePrice(route.Price)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		if err := route.RouteConfig.Validate(); err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}

		paid := stdlib.PaymentMiddleware(gk, price,
			stdlib.WithRoute(route.RouteConfig),
			stdlib.WithResourceRootURL(cfg.ResourceRootURL),
			stdlib.WithLogger(logger),
		)(handler)

		if route.Method == "" {
			r.Handle(route.Path, paid)
		} else {
			r.Method(strings.ToUpper(route.Method), route.Path, paid)
		}
		logger.Info("paid route mounted", "path", route.Path, "method", route.Method, "upstream", route.Upstream)

		if route.Discoverable {
			rc := route.RouteConfig
			rc.Transport = x402.TransportHTTP
			req, err := gk.Builder().Build(cfg.ResourceRootURL+route.Path, price, rc)
			if err != nil {
				return nil, fmt.Errorf("routes[%d]: %w", i, err)
			}
			catalog.Add(x402.TransportHTTP, req, now)
		}
	}

	for i, tool := range cfg.Tools {
		if !tool.Discoverable {
			continue
		}
		price, err := x402.ParsePrice(tool.Price)
		if err != nil {
			return nil, fmt.Errorf("tools[%d]: %w", i, err)
		}
		rc := tool.RouteConfig
		rc.Transport = x402.TransportMCP
		req, err := gk.Builder().Build(x402mcp.ToolResource(tool.Name), price, rc)
		if err != nil {
			return nil, fmt.Errorf("tools[%d]: %w", i, err)
		}
		catalog.Add(x402.TransportMCP, req, now)
	}
	r.Get("/discovery/resources", catalog.ServeHTTP)

	if cfg.HTTP.MCPPath != "" && len(cfg.Tools) > 0 {
		mcpServer, err := NewMCPServer(cfg.Tools, gk, logger)
		if err != nil {
			return nil, err
		}
		r.Handle(cfg.HTTP.MCPPath, mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
			return mcpServer
		}, nil))
		logger.Info("paid MCP endpoint mounted", "path", cfg.HTTP.MCPPath, "tools", len(cfg.Tools))
	}

	if store != nil {
		r.Route("/x402/payments", func(api chi.Router) {
			api.Get("/", listPayments(store))
			api.Get("/{payment_id}", getPayment(store))
		})
	}

	return r, nil
}

// NewMCPServer registers every tool behind its price, plus a free ping tool.
func NewMCPServer(tools []config.ToolConfig, gk *x402.Gatekeeper, logger *slog.Logger) (*mcpsdk.Server, error) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "x402-gatekeeper", Version: Version}, nil)
	paid := x402mcp.NewPaidServer(server, gk, x402mcp.WithLogger(logger))

	paid.AddTool(&mcpsdk.Tool{
		Name:        "ping",
		Description: "A free health check tool",
		InputSchema: map[string]any{"type": "object"},
	}, func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return textResult("pong"), nil
	})

	for i, tool := range tools {
		price, err := x402.ParsePrice(tool.Price)
		if err != nil {
			return nil, fmt.Errorf("tools[%d]: %w", i, err)
		}
		inputSchema := tool.InputSchema
		if inputSchema == nil {
			inputSchema = map[string]any{"type": "object"}
		}

		response := tool.Response
		err = paid.AddPaidTool(&mcpsdk.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: inputSchema,
		}, price, tool.RouteConfig, func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult(response), nil
		})
		if err != nil {
			return nil, fmt.Errorf("tools[%d]: %w", i, err)
		}
	}
	return server, nil
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}}}
}

// routeHandler proxies to the upstream or serves the fixed response.
func routeHandler(route config.RouteConfig) (http.Handler, error) {
	if route.Upstream == "" {
		mimeType := route.MimeType
		if mimeType == "" {
			mimeType = "text/plain; charset=utf-8"
		}
		body := []byte(route.Response)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", mimeType)
			_, _ = w.Write(body)
		}), nil
	}

	target, err := url.Parse(route.Upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", route.Upstream)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Header.Del(stdlib.HeaderPayment)
	}
	return proxy, nil
}

// PaymentList is one page of ledger entries, oldest first.
type PaymentList struct {
	Payments   []ledger.Entry            `json:"payments"`
	Pagination types.DiscoveryPagination `json:"pagination"`
}

func listPayments(store ledger.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset, err := parsePage(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entries, err := store.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		limit, offset, end := pageBounds(limit, offset, len(entries))
		writeJSON(w, http.StatusOK, PaymentList{
			Payments:   entries[offset:end],
			Pagination: types.DiscoveryPagination{Limit: limit, Offset: offset, Total: len(entries)},
		})
	}
}

func getPayment(store ledger.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := store.Get(r.Context(), chi.URLParam(r, "payment_id"))
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
