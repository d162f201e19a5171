// Package server exposes the sanitizer over HTTP: uploads go through the
// acceptance filter and the batch orchestrator, and sanitized files are
// held in memory for a limited time for download.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"shielded/intake"
	"shielded/logger"
	"shielded/model"
	"shielded/sanitizer"
	"shielded/version"

	"github.com/gin-gonic/gin"
)

const (
	filesField          = "files"
	downloadPrefix      = "/api/v1/files/"
	maxMultipartMemory  = 32 << 20
	requestSlack        = 1 << 20
	defaultArtifactTTL  = 15 * time.Minute
	shutdownGracePeriod = 10 * time.Second
)

var optionFields = []string{"safe_mode", "remove_gps", "change_dates", "generate_fake_data", "preserve_quality"}

// BatchRunner is satisfied by batch.Orchestrator.
type BatchRunner interface {
	ProcessBatch(ctx context.Context, inputs []model.RawInput, opts model.ProcessOptions) []model.ProcessedFile
}

type Options struct {
	Filter intake.Filter
	// MaxRequestBytes caps a sanitize request body. Zero allows one full
	// batch under Filter plus a little room for the form fields.
	MaxRequestBytes int64
	// TTL bounds how long a sanitized file can be downloaded.
	TTL time.Duration
	Now func() time.Time
	// OnResult and OnRejection observe every request's outcomes, e.g. to
	// append them to the report.
	OnResult    func(pf *model.ProcessedFile)
	OnRejection func(r intake.Rejection)
}

// APIResponse is the envelope of every JSON reply.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Message string      `json:"message"`
	Code    int         `json:"code"`
}

type fileResult struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Status      model.Status      `json:"status"`
	Error       string            `json:"error,omitempty"`
	OutputName  string            `json:"output_name,omitempty"`
	MimeType    string            `json:"mime_type,omitempty"`
	SizeBytes   int64             `json:"size_bytes,omitempty"`
	DownloadURL string            `json:"download_url,omitempty"`
	ExpiresAt   string            `json:"expires_at,omitempty"`
	Report      *model.FileReport `json:"report,omitempty"`
}

type sanitizeResponse struct {
	Options    model.ProcessOptions `json:"options"`
	Results    []fileResult         `json:"results"`
	Rejections []intake.Rejection   `json:"rejections"`
}

type Server struct {
	runner BatchRunner
	opts   Options
	store  *Store
	engine *gin.Engine
}

func New(runner BatchRunner, opts Options) *Server {
	if opts.TTL <= 0 {
		opts.TTL = defaultArtifactTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = opts.Filter.MaxBatchBytes() + requestSlack
	}
	s := &Server{
		runner: runner,
		opts:   opts,
		store:  NewStore(opts.TTL, opts.Now),
	}

	engine := gin.New()
	engine.MaxMultipartMemory = maxMultipartMemory
	engine.Use(gin.Recovery(), requestLogger())
	engine.GET("/healthz", s.handleHealth)
	api := engine.Group("/api/v1")
	api.POST("/sanitize", s.handleSanitize)
	api.GET("/files/:id", s.handleDownload)
	s.engine = engine
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Store() *Store {
	return s.store
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go s.store.RunJanitor(janitorCtx, max(s.opts.TTL/4, time.Second))

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func respondSuccess(c *gin.Context, httpStatus int, data interface{}, message string) {
	if message == "" {
		message = "ok"
	}
	c.JSON(httpStatus, APIResponse{Success: true, Data: data, Message: message, Code: httpStatus})
}

func respondError(c *gin.Context, httpStatus int, message string) {
	c.JSON(httpStatus, APIResponse{Success: false, Message: message, Code: httpStatus})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"version":     version.Version,
		"image_types": sanitizer.SupportedImageTypes(),
	})
}

func (s *Server) handleSanitize(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxRequestBytes)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		respondError(c, http.StatusBadRequest, "expected a multipart form")
		return
	}
	defer form.RemoveAll()

	headers := form.File[filesField]
	if len(headers) == 0 {
		respondError(c, http.StatusBadRequest, "no files uploaded")
		return
	}
	opts, err := parseOptions(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	now := s.opts.Now()
	inputs := make([]model.RawInput, 0, len(headers))
	for _, fh := range headers {
		inputs = append(inputs, uploadInput(fh, now))
	}

	accepted, rejections := s.opts.Filter.Apply(inputs)
	if s.opts.OnRejection != nil {
		for _, r := range rejections {
			s.opts.OnRejection(r)
		}
	}
	results := s.runner.ProcessBatch(c.Request.Context(), accepted, opts)

	resp := sanitizeResponse{
		Options:    opts,
		Results:    make([]fileResult, 0, len(results)),
		Rejections: rejections,
	}
	if resp.Rejections == nil {
		resp.Rejections = []intake.Rejection{}
	}
	for i := range results {
		pf := &results[i]
		if s.opts.OnResult != nil {
			s.opts.OnResult(pf)
		}
		resp.Results = append(resp.Results, s.toResult(pf))
	}
	respondSuccess(c, http.StatusOK, resp, "")
}

func (s *Server) toResult(pf *model.ProcessedFile) fileResult {
	res := fileResult{
		ID:     pf.ID,
		Name:   pf.Input.Name,
		Status: pf.Status,
		Error:  pf.Error,
		Report: pf.Report,
	}
	if pf.Status == model.StatusCompleted && pf.Output != nil {
		expires := s.store.Put(pf.ID, pf.Output)
		res.OutputName = pf.Output.Name
		res.MimeType = pf.Output.MimeType
		res.SizeBytes = pf.Output.SizeBytes
		res.DownloadURL = downloadPrefix + pf.ID
		res.ExpiresAt = expires.UTC().Format(time.RFC3339)
	}
	return res
}

func (s *Server) handleDownload(c *gin.Context) {
	out, ok := s.store.Get(c.Param("id"))
	if !ok {
		respondError(c, http.StatusNotFound, "file not found or expired")
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Name))
	c.Header("Last-Modified", out.LastModifiedTime().Format(http.TimeFormat))
	c.Data(http.StatusOK, out.MimeType, out.Data)
}

func parseOptions(c *gin.Context) (model.ProcessOptions, error) {
	values := make(map[string]bool, len(optionFields))
	for _, field := range optionFields {
		raw, ok := c.GetPostForm(field)
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return model.ProcessOptions{}, fmt.Errorf("invalid value for %s: %q", field, raw)
		}
		values[field] = v
	}
	return model.ProcessOptions{
		SafeMode:         values["safe_mode"],
		RemoveGPS:        values["remove_gps"],
		ChangeDates:      values["change_dates"],
		GenerateFakeData: values["generate_fake_data"],
		PreserveQuality:  values["preserve_quality"],
	}, nil
}

// uploadSource reopens the multipart part for every read.
type uploadSource struct {
	fh *multipart.FileHeader
}

func (u uploadSource) Open() (io.ReadCloser, error) {
	return u.fh.Open()
}

func uploadInput(fh *multipart.FileHeader, now time.Time) model.RawInput {
	name := filepath.Base(filepath.Clean("/" + fh.Filename))
	if name == "/" || name == "." {
		name = "upload"
	}
	in := model.RawInput{
		Name:         name,
		SizeBytes:    fh.Size,
		LastModified: now.UnixMilli(),
		Source:       uploadSource{fh: fh},
	}
	declared := fh.Header.Get("Content-Type")
	if f, err := fh.Open(); err == nil {
		in.MimeType = intake.DetectUploadMimeType(f, name, declared)
		f.Close()
	} else {
		in.MimeType = intake.DetectUploadMimeType(nil, name, declared)
	}
	return in
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	}
}
