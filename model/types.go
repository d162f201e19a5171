package model

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
)

// Status is the lifecycle state of a ProcessedFile.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParseRiskLevel accepts the three known levels, case-insensitively.
func ParseRiskLevel(value string) (RiskLevel, bool) {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(value))) {
	case RiskLow:
		return RiskLow, true
	case RiskMedium:
		return RiskMedium, true
	case RiskHigh:
		return RiskHigh, true
	}
	return "", false
}

// AnalysisSource tells whether a RiskReport came from the remote model or
// from the local fallback.
type AnalysisSource string

const (
	SourceAI       AnalysisSource = "ai"
	SourceFallback AnalysisSource = "fallback"
)

type MediaCategory string

const (
	CategoryImage       MediaCategory = "image"
	CategoryVideo       MediaCategory = "video"
	CategoryUnsupported MediaCategory = ""
)

// CategoryOf maps a mime type to the media category the engine branches on.
func CategoryOf(mimeType string) MediaCategory {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return CategoryImage
	case strings.HasPrefix(mimeType, "video/"):
		return CategoryVideo
	default:
		return CategoryUnsupported
	}
}

// FormatTag renders the short format label shown in reports, e.g. JPEG.
func FormatTag(mimeType string) string {
	_, sub, ok := strings.Cut(strings.ToLower(mimeType), "/")
	if !ok || sub == "" {
		return "UNKNOWN"
	}
	sub, _, _ = strings.Cut(sub, ";")
	sub = strings.TrimPrefix(sub, "x-")
	return strings.ToUpper(sub)
}

// ByteSource yields the bytes of an input. Every Open returns a fresh reader.
type ByteSource interface {
	Open() (io.ReadCloser, error)
}

// BytesSource serves an in-memory buffer.
type BytesSource []byte

func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// RawInput is a read-only handle to a caller-owned file.
type RawInput struct {
	Name               string     `json:"name"`
	MimeType           string     `json:"mime_type"`
	SizeBytes          int64      `json:"size_bytes"`
	LastModified       int64      `json:"last_modified"`
	Path               string     `json:"path,omitempty"`
	ExtendedAttributes []string   `json:"extended_attributes,omitempty"`
	Source             ByteSource `json:"-"`
}

// LastModifiedTime converts the epoch-millisecond timestamp.
func (in RawInput) LastModifiedTime() time.Time {
	return time.UnixMilli(in.LastModified).UTC()
}

func (in RawInput) Category() MediaCategory {
	return CategoryOf(in.MimeType)
}

// ReadAll loads the input bytes. limit <= 0 means no limit beyond SizeBytes.
func (in RawInput) ReadAll(limit int64) ([]byte, error) {
	if in.Source == nil {
		return nil, fmt.Errorf("%w: %s has no byte source", ErrRead, in.Name)
	}
	rc, err := in.Source.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	defer rc.Close()

	var reader io.Reader = rc
	if limit > 0 {
		reader = io.LimitReader(rc, limit+1)
	}
	buf := bytes.NewBuffer(make([]byte, 0, max(in.SizeBytes, 0)))
	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	if limit > 0 && int64(buf.Len()) > limit {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrRead, in.Name, limit)
	}
	return buf.Bytes(), nil
}

// ProcessOptions are the user toggles. They combine freely.
type ProcessOptions struct {
	SafeMode         bool `json:"safe_mode" yaml:"safe_mode" toml:"safe_mode"`
	RemoveGPS        bool `json:"remove_gps" yaml:"remove_gps" toml:"remove_gps"`
	ChangeDates      bool `json:"change_dates" yaml:"change_dates" toml:"change_dates"`
	GenerateFakeData bool `json:"generate_fake_data" yaml:"generate_fake_data" toml:"generate_fake_data"`
	PreserveQuality  bool `json:"preserve_quality" yaml:"preserve_quality" toml:"preserve_quality"`
}

// DecoyMetadata is synthetic metadata substituted for the real values.
type DecoyMetadata struct {
	Device        string            `json:"device,omitempty"`
	Location      string            `json:"location,omitempty"`
	CreationDate  string            `json:"creation_date,omitempty"`
	CameraModel   string            `json:"camera_model,omitempty"`
	TechnicalData map[string]string `json:"technical_data,omitempty"`
}

type RiskReport struct {
	SensitiveFindings []string       `json:"sensitive_findings"`
	Recommendations   []string       `json:"recommendations"`
	RiskLevel         RiskLevel      `json:"risk_level"`
	Confidence        float64        `json:"confidence"`
	DeviceHint        string         `json:"device_hint,omitempty"`
	LocationHint      string         `json:"location_hint,omitempty"`
	Decoy             *DecoyMetadata `json:"decoy,omitempty"`
	Source            AnalysisSource `json:"source"`
}

// FileReport is the metadata report produced for one processed file.
type FileReport struct {
	Filename           string                 `json:"filename"`
	MimeType           string                 `json:"mime_type"`
	OriginalSizeBytes  int64                  `json:"original_size_bytes"`
	ProcessedSizeBytes *int64                 `json:"processed_size_bytes,omitempty"`
	Format             string                 `json:"format"`
	CreationDate       string                 `json:"creation_date"`
	ModificationDate   string                 `json:"modification_date"`
	Device             string                 `json:"device"`
	Location           string                 `json:"location"`
	RiskLevel          RiskLevel              `json:"risk_level"`
	Confidence         float64                `json:"confidence"`
	AnalysisSource     AnalysisSource         `json:"analysis_source"`
	SensitiveFindings  []string               `json:"sensitive_findings"`
	Recommendations    []string               `json:"recommendations"`
	SafeModeApplied    bool                   `json:"safe_mode_applied"`
	HasGPS             bool                   `json:"has_gps"`
	GeneratedFakeData  bool                   `json:"generated_fake_data"`
	TechnicalData      map[string]interface{} `json:"technical_data"`
}

// OutputFile is the sanitized artifact. Data is never serialized into reports.
type OutputFile struct {
	Name         string `json:"name"`
	MimeType     string `json:"mime_type"`
	SizeBytes    int64  `json:"size_bytes"`
	LastModified int64  `json:"last_modified"`
	Data         []byte `json:"-"`
}

func (o *OutputFile) LastModifiedTime() time.Time {
	return time.UnixMilli(o.LastModified).UTC()
}

type ProcessedFile struct {
	ID          string      `json:"id"`
	Input       RawInput    `json:"original_input"`
	Output      *OutputFile `json:"output_file,omitempty"`
	Report      *FileReport `json:"report,omitempty"`
	Status      Status      `json:"status"`
	Error       string      `json:"error,omitempty"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty"`
}
