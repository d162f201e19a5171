package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"shielded/logger"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// OtelOptions configures export of report records as OTLP logs. Source
// paths and privacy findings are withheld unless explicitly enabled.
type OtelOptions struct {
	Endpoint       string
	FromEnv        bool
	Headers        map[string]string
	Timeout        time.Duration
	ServiceName    string
	ExportPaths    bool
	ExportFindings bool
}

type otelLogger struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
	policy   otelPolicy
}

type otelPolicy struct {
	includePaths    bool
	includeFindings bool
}

func newOtelLogger(opts OtelOptions) (*otelLogger, error) {
	endpoint := resolveOtelEndpoint(opts)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	exporterOpts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(opts.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlploghttp.WithHeaders(opts.Headers))
	}
	if opts.Timeout > 0 {
		exporterOpts = append(exporterOpts, otlploghttp.WithTimeout(opts.Timeout))
	}

	exp, err := otlploghttp.New(context.Background(), exporterOpts...)
	if err != nil {
		return nil, err
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "shielded"
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &otelLogger{
		provider: provider,
		logger:   provider.Logger("shielded"),
		timeout:  opts.Timeout,
		endpoint: endpoint,
		policy: otelPolicy{
			includePaths:    opts.ExportPaths,
			includeFindings: opts.ExportFindings,
		},
	}, nil
}

func resolveOtelEndpoint(opts OtelOptions) string {
	if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
		return endpoint
	}
	if !opts.FromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func (o *otelLogger) Endpoint() string {
	if o == nil {
		return ""
	}
	return o.endpoint
}

func (o *otelLogger) Emit(recordType string, payload interface{}) {
	if o == nil || o.logger == nil {
		return
	}
	safePayload := sanitizePayload(recordType, payload, o.policy)

	var record otelLog.Record
	now := time.Now()
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("shielded.record")
	record.AddAttributes(
		otelLog.String("record_type", recordType),
		otelLog.String("schema_version", SchemaVersion),
	)
	if attrs := semanticAttributes(recordType, safePayload, o.policy); len(attrs) > 0 {
		record.AddAttributes(attrs...)
	}

	value := toLogValue(safePayload)
	if value.Kind() == otelLog.KindEmpty {
		if data, err := jsonMarshal(safePayload); err == nil {
			var decoded interface{}
			if err := jsonUnmarshal(data, &decoded); err == nil && toLogValue(decoded).Kind() != otelLog.KindEmpty {
				record.SetBody(toLogValue(decoded))
			} else {
				record.SetBody(otelLog.StringValue(string(data)))
			}
		}
	} else {
		record.SetBody(value)
	}

	o.logger.Emit(context.Background(), record)
}

func (o *otelLogger) Shutdown() {
	if o == nil || o.provider == nil {
		return
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
	}
}

// sanitizePayload withholds what would re-identify a file: its source path,
// extended attributes and what the analysis found in it.
func sanitizePayload(recordType string, payload interface{}, policy otelPolicy) interface{} {
	data := payloadToMap(payload)
	if len(data) == 0 {
		return payload
	}

	switch recordType {
	case RecordFile:
		sanitized := cloneMap(data)
		if input := getMapField(sanitized, "original_input"); input != nil && !policy.includePaths {
			input = cloneMap(input)
			delete(input, "path")
			delete(input, "extended_attributes")
			sanitized["original_input"] = input
		}
		if report := getMapField(sanitized, "report"); report != nil && !policy.includeFindings {
			report = cloneMap(report)
			delete(report, "sensitive_findings")
			delete(report, "device")
			delete(report, "location")
			sanitized["report"] = report
		}
		return sanitized
	case RecordRejection:
		if policy.includePaths {
			return data
		}
		sanitized := cloneMap(data)
		delete(sanitized, "path")
		return sanitized
	default:
		return data
	}
}

func getMapField(values map[string]interface{}, key string) map[string]interface{} {
	if m, ok := values[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

func cloneMap(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func toLogValue(value interface{}) otelLog.Value {
	switch v := value.(type) {
	case nil:
		return otelLog.Value{}
	case string:
		return otelLog.StringValue(v)
	case []byte:
		return otelLog.BytesValue(v)
	case bool:
		return otelLog.BoolValue(v)
	case int:
		return otelLog.IntValue(v)
	case int64:
		return otelLog.Int64Value(v)
	case float64:
		return otelLog.Float64Value(v)
	case float32:
		return otelLog.Float64Value(float64(v))
	case map[string]interface{}:
		return otelLog.MapValue(toLogKeyValues(v)...)
	case map[string]string:
		kvs := make([]otelLog.KeyValue, 0, len(v))
		for _, k := range sortedKeys(v) {
			kvs = append(kvs, otelLog.String(k, v[k]))
		}
		return otelLog.MapValue(kvs...)
	case map[string]map[string]string:
		kvs := make([]otelLog.KeyValue, 0, len(v))
		for _, k := range sortedKeys(v) {
			kvs = append(kvs, otelLog.KeyValue{Key: k, Value: toLogValue(v[k])})
		}
		return otelLog.MapValue(kvs...)
	case []string:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, otelLog.StringValue(item))
		}
		return otelLog.SliceValue(values...)
	case []int:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, otelLog.IntValue(item))
		}
		return otelLog.SliceValue(values...)
	case []interface{}:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return otelLog.SliceValue(values...)
	default:
		return otelLog.Value{}
	}
}

func toLogKeyValues(values map[string]interface{}) []otelLog.KeyValue {
	kvs := make([]otelLog.KeyValue, 0, len(values))
	for _, key := range sortedKeys(values) {
		kvs = append(kvs, otelLog.KeyValue{Key: key, Value: toLogValue(values[key])})
	}
	return kvs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func semanticAttributes(recordType string, payload interface{}, policy otelPolicy) []otelLog.KeyValue {
	data := payloadToMap(payload)
	if len(data) == 0 {
		return nil
	}

	switch recordType {
	case RecordFile:
		return fileSemanticAttributes(data, policy)
	case RecordRejection:
		return rejectionSemanticAttributes(data, policy)
	case RecordBatch:
		return batchSemanticAttributes(data)
	case RecordMetrics:
		return metricsSemanticAttributes(data)
	default:
		return nil
	}
}

func fileSemanticAttributes(data map[string]interface{}, policy otelPolicy) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue

	input := getMapField(data, "original_input")
	if input != nil {
		kvs = appendPathAttrs(kvs, input, policy)
		if size, ok := getInt64Field(input, "size_bytes"); ok {
			kvs = append(kvs, otelLog.Int64(string(semconv.FileSizeKey), size))
		}
		kvs = appendStringAttr(kvs, "shielded.file.mime_type", getStringField(input, "mime_type"))
	}
	kvs = appendStringAttr(kvs, "shielded.file.id", getStringField(data, "id"))
	kvs = appendStringAttr(kvs, "shielded.file.status", getStringField(data, "status"))
	kvs = appendStringAttr(kvs, "shielded.file.error", getStringField(data, "error"))

	if output := getMapField(data, "output_file"); output != nil {
		kvs = appendStringAttr(kvs, "shielded.output.name", getStringField(output, "name"))
		if size, ok := getInt64Field(output, "size_bytes"); ok {
			kvs = append(kvs, otelLog.Int64("shielded.output.size", size))
		}
	}

	report := getMapField(data, "report")
	if report == nil {
		return kvs
	}
	kvs = appendStringAttr(kvs, "shielded.report.risk_level", getStringField(report, "risk_level"))
	kvs = appendStringAttr(kvs, "shielded.report.analysis_source", getStringField(report, "analysis_source"))
	if v, ok := report["safe_mode_applied"].(bool); ok {
		kvs = append(kvs, otelLog.Bool("shielded.report.safe_mode_applied", v))
	}
	if v, ok := report["generated_fake_data"].(bool); ok {
		kvs = append(kvs, otelLog.Bool("shielded.report.generated_fake_data", v))
	}
	if policy.includeFindings {
		kvs = appendInterfaceAttr(kvs, "shielded.report.sensitive_findings", getFieldValue(report, "sensitive_findings"))
		kvs = appendStringAttr(kvs, "shielded.report.device", getStringField(report, "device"))
		kvs = appendStringAttr(kvs, "shielded.report.location", getStringField(report, "location"))
	}

	technical := getMapField(report, "technical_data")
	if technical == nil {
		return kvs
	}
	kvs = appendStringAttr(kvs, "shielded.engine", getStringField(technical, "engine"))
	kvs = appendInterfaceAttr(kvs, "shielded.engine.residual_segments", getFieldValue(technical, "residualSegments"))
	if hashes := getMapField(technical, "hashes"); hashes != nil {
		sanitized := getStringMapField(hashes, "sanitized")
		for _, algo := range sortedKeys(sanitized) {
			if value := sanitized[algo]; value != "" {
				kvs = append(kvs, otelLog.String(fmt.Sprintf("shielded.output.hash.%s", algo), value))
			}
		}
	}
	return kvs
}

func appendPathAttrs(kvs []otelLog.KeyValue, input map[string]interface{}, policy otelPolicy) []otelLog.KeyValue {
	path := getStringField(input, "path")
	name := getStringField(input, "name")
	if name == "" && path != "" {
		name = filepath.Base(path)
	}
	if policy.includePaths && path != "" {
		kvs = append(kvs, otelLog.String(string(semconv.FilePathKey), path))
		kvs = append(kvs, otelLog.String(string(semconv.FileDirectoryKey), filepath.Dir(path)))
	}
	if name != "" {
		kvs = append(kvs, otelLog.String(string(semconv.FileNameKey), name))
		if ext := strings.TrimPrefix(filepath.Ext(name), "."); ext != "" {
			kvs = append(kvs, otelLog.String(string(semconv.FileExtensionKey), ext))
		}
	}
	return kvs
}

func rejectionSemanticAttributes(data map[string]interface{}, policy otelPolicy) []otelLog.KeyValue {
	kvs := appendPathAttrs(nil, data, policy)
	return appendStringAttr(kvs, "shielded.rejection.reason", getStringField(data, "reason"))
}

func batchSemanticAttributes(data map[string]interface{}) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	kvs = appendStringAttr(kvs, "shielded.batch.start_time", getStringField(data, "start_time"))
	kvs = appendStringAttr(kvs, string(semconv.ServiceVersionKey), getStringField(data, "version"))
	if inputs, ok := getInt64Field(data, "inputs"); ok {
		kvs = append(kvs, otelLog.Int64("shielded.batch.inputs", inputs))
	}
	if opts := getMapField(data, "options"); opts != nil {
		for _, key := range sortedKeys(opts) {
			if b, ok := opts[key].(bool); ok {
				kvs = append(kvs, otelLog.Bool("shielded.batch.option."+key, b))
			}
		}
	}
	return kvs
}

func metricsSemanticAttributes(data map[string]interface{}) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue

	kvs = appendStringAttr(kvs, "shielded.metrics.start_time", getStringField(data, "start_time"))
	kvs = appendStringAttr(kvs, "shielded.metrics.end_time", getStringField(data, "end_time"))
	for _, key := range []string{
		"files_submitted",
		"files_accepted",
		"files_rejected",
		"files_completed",
		"files_failed",
		"ai_fallbacks",
		"bytes_in",
		"bytes_out",
	} {
		value, ok := getInt64Field(data, key)
		kvs = appendInt64Attr(kvs, "shielded.metrics."+key, value, ok)
	}
	return kvs
}

func payloadToMap(payload interface{}) map[string]interface{} {
	switch v := payload.(type) {
	case map[string]interface{}:
		return v
	case map[string]string:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			out[key] = value
		}
		return out
	default:
		data, err := jsonMarshal(payload)
		if err != nil {
			return nil
		}
		var decoded map[string]interface{}
		if err := jsonUnmarshal(data, &decoded); err != nil {
			return nil
		}
		return decoded
	}
}

func getFieldValue(values map[string]interface{}, key string) interface{} {
	if values == nil {
		return nil
	}
	return values[key]
}

func getStringField(values map[string]interface{}, key string) string {
	value, ok := values[key]
	if !ok {
		return ""
	}
	if str, ok := value.(string); ok {
		return str
	}
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

func getInt64Field(values map[string]interface{}, key string) (int64, bool) {
	value, ok := values[key]
	if !ok || value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	}
	return 0, false
}

func getStringMapField(values map[string]interface{}, key string) map[string]string {
	value, ok := values[key]
	if !ok || value == nil {
		return nil
	}
	switch v := value.(type) {
	case map[string]string:
		return v
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if val == nil {
				continue
			}
			out[k] = fmt.Sprint(val)
		}
		return out
	default:
		return nil
	}
}

func appendStringAttr(kvs []otelLog.KeyValue, key, value string) []otelLog.KeyValue {
	if value == "" {
		return kvs
	}
	return append(kvs, otelLog.String(key, value))
}

func appendInt64Attr(kvs []otelLog.KeyValue, key string, value int64, ok bool) []otelLog.KeyValue {
	if !ok {
		return kvs
	}
	return append(kvs, otelLog.Int64(key, value))
}

func appendInterfaceAttr(kvs []otelLog.KeyValue, key string, value interface{}) []otelLog.KeyValue {
	if value == nil {
		return kvs
	}
	converted := toLogValue(value)
	if converted.Kind() == otelLog.KindEmpty {
		return kvs
	}
	return append(kvs, otelLog.KeyValue{Key: key, Value: converted})
}
