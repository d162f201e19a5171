package sanitizer

import (
	"time"

	"shielded/metadata"
	"shielded/model"
)

const (
	UnknownValue     = "Unknown"
	StrippedLocation = "Stripped"
	SafeModeDevice   = "Protected Device"

	isoMillis = "2006-01-02T15:04:05.000Z07:00"
)

// layerContext carries everything the overlays read. Overlays only write
// the report.
type layerContext struct {
	input      model.RawInput
	category   model.MediaCategory
	inspection metadata.Inspection
	analysis   model.RiskReport
	decoy      model.DecoyMetadata
	now        time.Time
	randomPast func() time.Time
}

// overlay is one step of the report assembly. Overlays run in a fixed order
// and later ones win on shared fields.
type overlay interface {
	Name() string
	Enabled(opts model.ProcessOptions) bool
	Apply(lc *layerContext, report *model.FileReport)
}

var overlayOrder = []overlay{
	baseLayer{},
	analysisLayer{},
	safeModeLayer{},
	removeGPSLayer{},
	fakeDataLayer{},
	changeDatesLayer{},
}

func applyOverlays(lc *layerContext, opts model.ProcessOptions, report *model.FileReport) []string {
	applied := make([]string, 0, len(overlayOrder))
	for _, o := range overlayOrder {
		if !o.Enabled(opts) {
			continue
		}
		o.Apply(lc, report)
		applied = append(applied, o.Name())
	}
	return applied
}

func isoTime(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

func orUnknown(v string) string {
	if v == "" {
		return UnknownValue
	}
	return v
}

type baseLayer struct{}

func (baseLayer) Name() string { return "base" }

func (baseLayer) Enabled(model.ProcessOptions) bool { return true }

func (baseLayer) Apply(lc *layerContext, r *model.FileReport) {
	in := lc.input
	r.Filename = in.Name
	r.MimeType = in.MimeType
	r.OriginalSizeBytes = in.SizeBytes
	r.Format = model.FormatTag(in.MimeType)
	r.ModificationDate = isoTime(in.LastModifiedTime())
	r.CreationDate = r.ModificationDate
	if !lc.inspection.DateTime.IsZero() {
		r.CreationDate = isoTime(lc.inspection.DateTime)
	}
	r.Device = orUnknown(lc.inspection.Device())
	r.Location = orUnknown(lc.inspection.Location())
	r.HasGPS = lc.inspection.HasGPS
	r.SensitiveFindings = []string{}
	r.Recommendations = []string{}
	for _, name := range in.ExtendedAttributes {
		r.SensitiveFindings = append(r.SensitiveFindings, "Extended attribute "+name+" attached to source file")
	}
	if r.TechnicalData == nil {
		r.TechnicalData = map[string]interface{}{}
	}
}

type analysisLayer struct{}

func (analysisLayer) Name() string { return "analysis" }

func (analysisLayer) Enabled(model.ProcessOptions) bool { return true }

func (analysisLayer) Apply(lc *layerContext, r *model.FileReport) {
	a := lc.analysis
	findings := make([]string, 0, len(a.SensitiveFindings)+len(r.SensitiveFindings))
	findings = append(findings, a.SensitiveFindings...)
	r.SensitiveFindings = append(findings, r.SensitiveFindings...)
	r.Recommendations = append([]string{}, a.Recommendations...)
	r.RiskLevel = a.RiskLevel
	r.Confidence = a.Confidence
	r.AnalysisSource = a.Source
	if a.DeviceHint != "" {
		r.Device = a.DeviceHint
	}
	if a.LocationHint != "" {
		r.Location = a.LocationHint
	}
}

type safeModeLayer struct{}

func (safeModeLayer) Name() string { return "safe_mode" }

func (safeModeLayer) Enabled(opts model.ProcessOptions) bool { return opts.SafeMode }

func (safeModeLayer) Apply(_ *layerContext, r *model.FileReport) {
	r.SensitiveFindings = []string{}
	r.RiskLevel = model.RiskLow
	r.Device = SafeModeDevice
	r.SafeModeApplied = true
}

type removeGPSLayer struct{}

func (removeGPSLayer) Name() string { return "remove_gps" }

func (removeGPSLayer) Enabled(opts model.ProcessOptions) bool { return opts.RemoveGPS }

func (removeGPSLayer) Apply(_ *layerContext, r *model.FileReport) {
	r.HasGPS = false
	r.Location = StrippedLocation
}

type fakeDataLayer struct{}

func (fakeDataLayer) Name() string { return "generate_fake_data" }

func (fakeDataLayer) Enabled(opts model.ProcessOptions) bool { return opts.GenerateFakeData }

func (fakeDataLayer) Apply(lc *layerContext, r *model.FileReport) {
	d := withSuggestedDecoy(lc.decoy, lc.analysis.Decoy)
	if d.Device != "" {
		r.Device = d.Device
	}
	if d.Location != "" {
		r.Location = d.Location
	}
	r.GeneratedFakeData = true
	if lc.category == model.CategoryVideo {
		r.TechnicalData["decoyProfile"] = "synthetic"
		return
	}
	if d.CreationDate != "" {
		if t, err := time.Parse(time.RFC3339, d.CreationDate); err == nil {
			r.CreationDate = isoTime(t)
		} else {
			r.CreationDate = d.CreationDate
		}
	}
	if d.CameraModel != "" {
		r.TechnicalData["cameraModel"] = d.CameraModel
	}
	for k, v := range d.TechnicalData {
		r.TechnicalData[k] = v
	}
}

type changeDatesLayer struct{}

func (changeDatesLayer) Name() string { return "change_dates" }

func (changeDatesLayer) Enabled(opts model.ProcessOptions) bool { return opts.ChangeDates }

func (changeDatesLayer) Apply(lc *layerContext, r *model.FileReport) {
	r.CreationDate = isoTime(lc.randomPast())
	r.ModificationDate = isoTime(lc.now)
}

// withSuggestedDecoy fills the fields the decoy generator left empty from the
// decoy the risk analysis suggested.
func withSuggestedDecoy(d model.DecoyMetadata, suggested *model.DecoyMetadata) model.DecoyMetadata {
	if suggested == nil {
		return d
	}
	if d.Device == "" {
		d.Device = suggested.Device
	}
	if d.Location == "" {
		d.Location = suggested.Location
	}
	if d.CreationDate == "" {
		d.CreationDate = suggested.CreationDate
	}
	if d.CameraModel == "" {
		d.CameraModel = suggested.CameraModel
	}
	return d
}
