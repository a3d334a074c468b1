package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/pvebatch/internal/api/response"
	"github.com/kiranshivaraju/pvebatch/internal/cache"
	"github.com/kiranshivaraju/pvebatch/internal/proxmox"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

// InventoryTTL is how long a cluster inventory served by the API is reused.
const InventoryTTL = 30 * time.Second

// Inventory reads the cluster. proxmox.HTTPClient implements it.
type Inventory interface {
	List(ctx context.Context) ([]models.Resource, error)
	Nodes(ctx context.Context) ([]string, error)
}

// KV is the subset of cache.Cache used to reuse inventory reads.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type clusterResourcesResponse struct {
	Total     int               `json:"total"`
	VMs       int               `json:"vms"`
	LXCs      int               `json:"lxcs"`
	Resources []models.Resource `json:"resources"`
}

// NewClusterResourcesHandler returns an http.HandlerFunc for GET /api/v1/cluster/resources.
// A nil kv disables caching.
func NewClusterResourcesHandler(inv Inventory, kv KV) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resources, err := cachedInventory(r.Context(), inv, kv)
		if err != nil {
			writeProxmoxError(w, r, err)
			return
		}

		out := clusterResourcesResponse{Total: len(resources), Resources: resources}
		for _, res := range resources {
			switch res.Type {
			case models.ResourceTypeQEMU:
				out.VMs++
			case models.ResourceTypeLXC:
				out.LXCs++
			}
		}
		response.JSON(w, out)
	}
}

// NewClusterInfoHandler returns an http.HandlerFunc for GET /api/v1/cluster/info.
func NewClusterInfoHandler(inv Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodes, err := inv.Nodes(r.Context())
		if err != nil {
			writeProxmoxError(w, r, err)
			return
		}
		if nodes == nil {
			nodes = []string{}
		}
		response.JSON(w, map[string]any{"nodes": nodes, "node_count": len(nodes)})
	}
}

func cachedInventory(ctx context.Context, inv Inventory, kv KV) ([]models.Resource, error) {
	if kv != nil {
		data, ok, err := kv.Get(ctx, cache.InventoryKey())
		if err != nil {
			slog.Warn("read cached inventory failed", "error", err)
		}
		if ok {
			var resources []models.Resource
			if err := json.Unmarshal(data, &resources); err == nil {
				return resources, nil
			}
		}
	}

	resources, err := inv.List(ctx)
	if err != nil {
		return nil, err
	}
	if resources == nil {
		resources = []models.Resource{}
	}

	if kv != nil {
		if data, err := json.Marshal(resources); err == nil {
			if err := kv.Set(ctx, cache.InventoryKey(), data, InventoryTTL); err != nil {
				slog.Warn("cache inventory failed", "error", err)
			}
		}
	}
	return resources, nil
}

func writeProxmoxError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, proxmox.ErrUnreachable), errors.Is(err, proxmox.ErrAPI):
		slog.Warn("proxmox request failed", "error", err)
		response.Error(w, http.StatusBadGateway, "PROXMOX_UNAVAILABLE", "The Proxmox API is not available", nil)
	case errors.Is(err, proxmox.ErrTimeout):
		slog.Warn("proxmox request timed out", "error", err)
		response.Error(w, http.StatusGatewayTimeout, "PROXMOX_TIMEOUT", "The Proxmox API did not answer in time", nil)
	default:
		response.InternalError(w, r, err)
	}
}
