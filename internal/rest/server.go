package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pbinitiative/zenbatch/internal/config"
	"github.com/pbinitiative/zenbatch/internal/log"
	apierror "github.com/pbinitiative/zenbatch/internal/rest/error"
	"github.com/pbinitiative/zenbatch/internal/rest/middleware"
	"github.com/pbinitiative/zenbatch/pkg/batch"
	"github.com/pbinitiative/zenbatch/pkg/batch/runtime"
	"github.com/pbinitiative/zenbatch/pkg/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	PaginationDefaultLimit = 50
	PaginationMaxLimit     = 1000
)

var (
	batchOperationSortFields = sortFieldSet("key", "type", "state", "actorId", "startDate", "endDate",
		"operationsTotalCount", "operationsCompletedCount", "operationsFailedCount")
	batchOperationItemSortFields = sortFieldSet("batchOperationKey", "itemKey", "type", "state", "processedDate")
	processInstanceSortFields    = sortFieldSet("key", "processDefinitionId", "processDefinitionKey", "state", "startDate", "endDate")
)

type Server struct {
	engine *batch.Engine
	addr   string
	server *http.Server
}

func NewServer(engine *batch.Engine, conf config.Config) *Server {
	r := chi.NewRouter()
	s := Server{
		engine: engine,
		addr:   conf.HttpServer.Addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.HttpServer.Addr,
		},
	}
	r.Use(middleware.Cors())
	r.Use(middleware.Correlation())
	r.Use(middleware.Opentelemetry(conf))
	r.Use(middleware.StripEmptyQueryParams())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/batch-operations", s.createBatchOperation)
		r.Post("/batch-operations/search", s.searchBatchOperations)
		r.Get("/batch-operations/{batchOperationKey}", s.getBatchOperation)
		r.Get("/batch-operations/{batchOperationKey}/items", s.getBatchOperationItems)
		r.Post("/batch-operation-items/search", s.searchBatchOperationItems)
		r.Post("/process-instances/search", s.searchProcessInstances)
	})
	// register system endpoints
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"name":   engine.Name(),
				"status": "UP",
			})
		})
	})
	return &s
}

func (s *Server) Start() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	log.Info("ZenBatch REST server listening on %s", listener.Addr())
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener, nil
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("Error stopping server: %s", err)
	}
}

func (s *Server) createBatchOperation(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Type:    "BAD_REQUEST",
			Message: err.Error(),
		})
		return
	}
	operation, err := s.engine.CreateBatchOperation(r.Context(), batch.CreateBatchOperationCommand{
		Type:      runtime.BatchOperationType(req.Type),
		Filter:    req.Filter.toRuntime(),
		Payload:   req.payload(),
		ActorId:   req.ActorId,
		ActorType: runtime.ActorType(req.ActorType),
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchOperationFromRuntime(operation))
}

func (s *Server) getBatchOperation(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKeyParam(w, r, "batchOperationKey")
	if !ok {
		return
	}
	operation, err := s.engine.GetBatchOperation(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, apierror.ApiError{
				Type:    "NOT_FOUND",
				Message: fmt.Sprintf("batch operation with key %d was not found", key),
			})
			return
		}
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchOperationFromRuntime(operation))
}

func (s *Server) getBatchOperationItems(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKeyParam(w, r, "batchOperationKey")
	if !ok {
		return
	}
	items, err := s.engine.GetBatchOperationItems(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, apierror.ApiError{
				Type:    "NOT_FOUND",
				Message: fmt.Sprintf("batch operation with key %d was not found", key),
			})
			return
		}
		writeEngineError(w, r, err)
		return
	}
	res := make([]BatchOperationItem, len(items))
	for i, item := range items {
		res[i] = batchOperationItemFromRuntime(item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": res})
}

func (s *Server) searchBatchOperations(w http.ResponseWriter, r *http.Request) {
	var req SearchBatchOperationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Type:    "BAD_REQUEST",
			Message: err.Error(),
		})
		return
	}
	sort, err := convertSort(req.Sort, batchOperationSortFields, "key")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Type:    "INVALID_ARGUMENT",
			Message: err.Error(),
		})
		return
	}
	result, err := s.engine.SearchBatchOperations(r.Context(), storage.SearchQuery[storage.BatchOperationFilter]{
		Filter: req.Filter.toStorage(),
		Sort:   sort,
		Page:   convertPage(req.Page),
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	items := make([]BatchOperation, len(result.Items))
	for i, op := range result.Items {
		items[i] = batchOperationFromRuntime(op)
	}
	writeJSON(w, http.StatusOK, BatchOperationsPage{
		Items:        items,
		PageMetadata: pageMetadata(result.TotalCount, result.FirstCursor, result.LastCursor),
	})
}

func (s *Server) searchBatchOperationItems(w http.ResponseWriter, r *http.Request) {
	var req SearchBatchOperationItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Type:    "BAD_REQUEST",
			Message: err.Error(),
		})
		return
	}
	sort, err := convertSort(req.Sort, batchOperationItemSortFields, "itemKey")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Type:    "INVALID_ARGUMENT",
			Message: err.Error(),
		})
		return
	}
	result, err := s.engine.SearchBatchOperationItems(r.Context(), storage.SearchQuery[storage.BatchOperationItemFilter]{
		Filter: req.Filter.toStorage(),
		Sort:   sort,
		Page:   convertPage(req.Page),
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	items := make([]BatchOperationItem, len(result.Items))
	for i, item := range result.Items {
		items[i] = batchOperationItemFromRuntime(item)
	}
	writeJSON(w, http.StatusOK, BatchOperationItemsPage{
		Items:        items,
		PageMetadata: pageMetadata(result.TotalCount, result.FirstCursor, result.LastCursor),
	})
}

func (s *Server) searchProcessInstances(w http.ResponseWriter, r *http.Request) {
	var req SearchProcessInstancesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Type:    "BAD_REQUEST",
			Message: err.Error(),
		})
		return
	}
	sort, err := convertSort(req.Sort, processInstanceSortFields, "key")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Type:    "INVALID_ARGUMENT",
			Message: err.Error(),
		})
		return
	}
	result, err := s.engine.SearchProcessInstances(r.Context(), storage.SearchQuery[storage.ProcessInstanceFilter]{
		Filter: req.Filter.toStorage(),
		Sort:   sort,
		Page:   convertPage(req.Page),
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	items := make([]ProcessInstance, len(result.Items))
	for i, pi := range result.Items {
		items[i] = processInstanceFromRuntime(pi)
	}
	writeJSON(w, http.StatusOK, ProcessInstancesPage{
		Items:        items,
		PageMetadata: pageMetadata(result.TotalCount, result.FirstCursor, result.LastCursor),
	})
}

func parseKeyParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	key, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Type:    "BAD_REQUEST",
			Message: fmt.Sprintf("invalid %s: %s", name, raw),
		})
		return 0, false
	}
	return key, true
}

func sortFieldSet(fields ...string) map[string]struct{} {
	res := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		res[f] = struct{}{}
	}
	return res
}

// convertSort validates the requested sort against the allowed fields and
// falls back to the entity key ascending when no sort was requested.
func convertSort(sort []SortField, allowed map[string]struct{}, defaultField string) ([]storage.SortField, error) {
	if len(sort) == 0 {
		return []storage.SortField{{Field: defaultField, Order: storage.SortOrderAsc}}, nil
	}
	res := make([]storage.SortField, len(sort))
	for i, s := range sort {
		if _, ok := allowed[s.Field]; !ok {
			return nil, fmt.Errorf("unknown sort field %s", s.Field)
		}
		order := storage.SortOrderAsc
		switch strings.ToUpper(s.Order) {
		case "", string(storage.SortOrderAsc):
		case string(storage.SortOrderDesc):
			order = storage.SortOrderDesc
		default:
			return nil, fmt.Errorf("unknown sort order %s", s.Order)
		}
		res[i] = storage.SortField{Field: s.Field, Order: order}
	}
	return res, nil
}

func convertPage(page PageRequest) storage.Page {
	limit := page.Limit
	if limit <= 0 {
		limit = PaginationDefaultLimit
	}
	if limit > PaginationMaxLimit {
		limit = PaginationMaxLimit
	}
	from := page.From
	if from < 0 {
		from = 0
	}
	return storage.Page{
		From:   from,
		Limit:  limit,
		After:  page.After,
		Before: page.Before,
	}
}

func pageMetadata(totalCount int64, firstCursor, lastCursor string) PageMetadata {
	return PageMetadata{
		TotalCount:  totalCount,
		FirstCursor: firstCursor,
		LastCursor:  lastCursor,
	}
}

// writeEngineError maps engine errors onto the API error envelope.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *batch.ValidationError
	if errors.As(err, &verr) {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Type:    "INVALID_ARGUMENT",
			Message: err.Error(),
		})
		return
	}
	if errors.Is(err, storage.ErrMalformedCursor) {
		writeError(w, r, http.StatusBadRequest, apierror.ApiError{
			Type:    "INVALID_ARGUMENT",
			Message: err.Error(),
		})
		return
	}
	writeError(w, r, http.StatusInternalServerError, apierror.ApiError{
		Type:    "ERROR",
		Message: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, err := json.Marshal(resp)
	if err != nil {
		log.Error("Server error: %s", err)
	} else {
		w.Write(body)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, err := json.Marshal(resp)
	if err != nil {
		log.Error("Server error: %s", err)
	} else {
		w.Write(body)
	}
}
