// internal/api/http/task_handler.go
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"single-thread-dispatcher/internal/domain"
	"single-thread-dispatcher/internal/metrics"
	"single-thread-dispatcher/internal/scheduler"
	"single-thread-dispatcher/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxHistoryPage bounds the page query parameter of the history endpoint.
const maxHistoryPage = 100000

// TaskHandler 负责处理与 dispatcher 和 task 相关的 HTTP 请求。
type TaskHandler struct {
	service  *usecase.TaskService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewTaskHandler 创建一个新的 TaskHandler，并初始化 validator。
func NewTaskHandler(service *usecase.TaskService, logger *slog.Logger) *TaskHandler {
	validate := validator.New()

	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := scheduler.ParseSchedule(fl.Field().String())
		return err == nil
	})

	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})

	return &TaskHandler{
		service:  service,
		logger:   logger.With("component", "task-handler"),
		validate: validate,
		tracer:   otel.Tracer("single-thread-dispatcher-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers dispatcher routes to the http.ServeMux.
func (h *TaskHandler) RegisterRoutes(mux *http.ServeMux) {
	baseHandler := http.HandlerFunc(h.handleDispatchers)

	instrumentedHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routeTemplate(r.URL.Path)

		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		baseHandler.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})

	mux.Handle("/dispatchers", instrumentedHandler)
	mux.Handle("/dispatchers/", instrumentedHandler)
}

// routeTemplate maps a request path to a low-cardinality metric label.
func routeTemplate(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch len(parts) {
	case 1:
		return "/dispatchers"
	case 2:
		return "/dispatchers/{name}"
	case 3:
		return "/dispatchers/{name}/tasks"
	case 4:
		return "/dispatchers/{name}/tasks/{task}"
	default:
		return "/dispatchers/{name}/tasks/{task}/history"
	}
}

// handleDispatchers routes everything under /dispatchers.
func (h *TaskHandler) handleDispatchers(w http.ResponseWriter, r *http.Request) {
	// e.g. /dispatchers/main/tasks/ping/history -> ["dispatchers", "main", "tasks", "ping", "history"]
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 1 || pathParts[0] != "dispatchers" || len(pathParts) > 5 {
		http.NotFound(w, r)
		return
	}
	if len(pathParts) > 2 && pathParts[2] != "tasks" {
		http.NotFound(w, r)
		return
	}

	var name, task, action string
	if len(pathParts) > 1 {
		name = pathParts[1]
	}
	if len(pathParts) > 3 {
		task = pathParts[3]
	}
	if len(pathParts) > 4 {
		action = pathParts[4]
	}

	switch {
	case r.Method == http.MethodGet && name == "":
		h.handleListDispatchers(w, r)
	case r.Method == http.MethodGet && len(pathParts) == 2:
		h.handleGetDispatcher(w, r, name)
	case r.Method == http.MethodPost && len(pathParts) == 3:
		h.handleSubmitTask(w, r, name)
	case r.Method == http.MethodGet && action == "history":
		h.handleGetTaskHistory(w, r, name, task)
	case r.Method == http.MethodDelete && task != "" && action == "":
		h.handleCancelTask(w, r, name, task)
	case len(pathParts) <= 5 && (r.Method == http.MethodGet || r.Method == http.MethodPost || r.Method == http.MethodDelete):
		http.NotFound(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *TaskHandler) handleListDispatchers(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "handler.ListDispatchers")
	defer span.End()

	writeJSON(w, http.StatusOK, h.service.List())
}

func (h *TaskHandler) handleGetDispatcher(w http.ResponseWriter, r *http.Request, name string) {
	_, span := h.tracer.Start(r.Context(), "handler.GetDispatcher")
	defer span.End()
	span.SetAttributes(attribute.String("dispatcher.name", name))

	for _, info := range h.service.List() {
		if info.Name == name {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	http.Error(w, domain.ErrDispatcherNotFound.Error(), http.StatusNotFound)
}

// handleSubmitTask uses DTO and validation (POST /dispatchers/{name}/tasks)
func (h *TaskHandler) handleSubmitTask(w http.ResponseWriter, r *http.Request, name string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.SubmitTask")
	defer span.End()
	span.SetAttributes(attribute.String("dispatcher.name", name))

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var validationErrors []string
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			for _, fe := range fieldErrors {
				validationErrors = append(validationErrors,
					"Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.",
				)
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "Validation failed",
			"details": validationErrors,
		})
		return
	}

	spec := req.ToDomainTask(name)
	span.SetAttributes(attribute.String("task.name", spec.Name))

	if err := h.service.Submit(ctx, spec); err != nil {
		span.SetStatus(codes.Error, "Failed to submit task in service")
		span.RecordError(err)
		h.logger.Warn("error submitting task", "dispatcher", name, "task_name", spec.Name, "error", err)
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, spec)
}

// handleGetTaskHistory handles listing execution history (GET /dispatchers/{name}/tasks/{task}/history)
func (h *TaskHandler) handleGetTaskHistory(w http.ResponseWriter, r *http.Request, name, task string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetTaskHistory")
	defer span.End()
	span.SetAttributes(attribute.String("dispatcher.name", name), attribute.String("task.name", task))

	if _, err := h.service.Get(name); err != nil {
		h.writeError(w, err)
		return
	}

	// Parse pagination parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	if page > maxHistoryPage {
		page = maxHistoryPage
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20 // default and max page size
	}
	span.SetAttributes(attribute.Int("page", page), attribute.Int("page_size", pageSize))

	history, err := h.service.ListHistory(ctx, name, task, page, pageSize)
	if err != nil {
		h.logger.Error("error listing task history", "dispatcher", name, "task_name", task, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, history)
}

// handleCancelTask handles DELETE /dispatchers/{name}/tasks/{task}
func (h *TaskHandler) handleCancelTask(w http.ResponseWriter, r *http.Request, name, task string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.CancelTask")
	defer span.End()
	span.SetAttributes(attribute.String("dispatcher.name", name), attribute.String("task.name", task))

	if err := h.service.Cancel(ctx, name, task); err != nil {
		span.SetStatus(codes.Error, "Failed to cancel task in service")
		span.RecordError(err)
		h.logger.Warn("error cancelling task", "dispatcher", name, "task_name", task, "error", err)
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrDispatcherNotFound), errors.Is(err, domain.ErrTaskNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidTaskSpec):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrWorkerTerminated):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
