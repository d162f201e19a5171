package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"shielded/model"
)

const analysisSystemPrompt = `You are a digital forensics assistant that assesses how identifying a media file's metadata is.
Answer with a single JSON object and nothing else, using exactly these keys:
{"sensitiveData": string[], "recommendations": string[], "riskLevel": "low"|"medium"|"high", "confidence": number between 0 and 1,
 "deviceInfo": string (optional), "locationInfo": string (optional),
 "suggestedFakeMetadata": {"device": string, "location": string, "creationDate": ISO-8601 string, "cameraModel": string} (optional)}`

const decoySystemPrompt = `You generate plausible but entirely synthetic capture metadata for a photo or video.
Answer with a single JSON object and nothing else:
{"device": string, "location": string, "creationDate": ISO-8601 string,
 "technicalData": {"software": string, "colorProfile": string, "lens": string}}`

const decoyUserPrompt = "Generate one realistic decoy metadata profile that does not describe any real person or place of residence."

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func analysisUserPrompt(in model.RawInput) string {
	var b strings.Builder
	b.WriteString("Analyze the privacy risk of this file's metadata.\n")
	fmt.Fprintf(&b, "File name: %s\n", in.Name)
	fmt.Fprintf(&b, "File type: %s\n", in.MimeType)
	fmt.Fprintf(&b, "Size: %.2f MB\n", float64(in.SizeBytes)/(1024*1024))
	fmt.Fprintf(&b, "Last modified: %s\n", in.LastModifiedTime().Format(isoMillis))
	return b.String()
}

type analysisResponse struct {
	SensitiveData         []string        `json:"sensitiveData"`
	Recommendations       []string        `json:"recommendations"`
	RiskLevel             string          `json:"riskLevel"`
	Confidence            *float64        `json:"confidence"`
	DeviceInfo            string          `json:"deviceInfo"`
	LocationInfo          string          `json:"locationInfo"`
	SuggestedFakeMetadata *suggestedDecoy `json:"suggestedFakeMetadata"`
}

type suggestedDecoy struct {
	Device       string `json:"device"`
	Location     string `json:"location"`
	CreationDate string `json:"creationDate"`
	CameraModel  string `json:"cameraModel"`
}

type decoyResponse struct {
	Device        string            `json:"device"`
	Location      string            `json:"location"`
	CreationDate  string            `json:"creationDate"`
	TechnicalData map[string]string `json:"technicalData"`
}

var errEmptyReply = errors.New("empty reply")

// removeCodeBlocks drops markdown fences some models wrap JSON in.
func removeCodeBlocks(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(text, "```json", ""), "```", ""))
}

func parseAnalysis(reply string) (model.RiskReport, error) {
	cleaned := removeCodeBlocks(reply)
	if cleaned == "" {
		return model.RiskReport{}, errEmptyReply
	}
	var parsed analysisResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return model.RiskReport{}, fmt.Errorf("decode analysis: %w", err)
	}
	if parsed.SensitiveData == nil {
		return model.RiskReport{}, errors.New("missing sensitiveData")
	}
	if parsed.Recommendations == nil {
		return model.RiskReport{}, errors.New("missing recommendations")
	}
	level, ok := model.ParseRiskLevel(parsed.RiskLevel)
	if !ok {
		return model.RiskReport{}, fmt.Errorf("invalid riskLevel %q", parsed.RiskLevel)
	}
	if parsed.Confidence == nil {
		return model.RiskReport{}, errors.New("missing confidence")
	}
	if c := *parsed.Confidence; c < 0 || c > 1 {
		return model.RiskReport{}, fmt.Errorf("confidence %v out of range", c)
	}

	report := model.RiskReport{
		SensitiveFindings: parsed.SensitiveData,
		Recommendations:   parsed.Recommendations,
		RiskLevel:         level,
		Confidence:        *parsed.Confidence,
		DeviceHint:        strings.TrimSpace(parsed.DeviceInfo),
		LocationHint:      strings.TrimSpace(parsed.LocationInfo),
		Source:            model.SourceAI,
	}
	if s := parsed.SuggestedFakeMetadata; s != nil {
		report.Decoy = &model.DecoyMetadata{
			Device:       s.Device,
			Location:     s.Location,
			CreationDate: s.CreationDate,
			CameraModel:  s.CameraModel,
		}
	}
	return report, nil
}

func parseDecoy(reply string) (model.DecoyMetadata, error) {
	cleaned := removeCodeBlocks(reply)
	if cleaned == "" {
		return model.DecoyMetadata{}, errEmptyReply
	}
	var parsed decoyResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return model.DecoyMetadata{}, fmt.Errorf("decode decoy: %w", err)
	}
	device := strings.TrimSpace(parsed.Device)
	location := strings.TrimSpace(parsed.Location)
	if device == "" && location == "" {
		return model.DecoyMetadata{}, errors.New("decoy carries neither device nor location")
	}
	if device == "" {
		device = FallbackDevice
	}
	if location == "" {
		location = FallbackLocation
	}
	technical := make(map[string]string, len(parsed.TechnicalData))
	for k, v := range parsed.TechnicalData {
		if v = strings.TrimSpace(v); v != "" {
			technical[k] = v
		}
	}
	return model.DecoyMetadata{
		Device:        device,
		Location:      location,
		CreationDate:  strings.TrimSpace(parsed.CreationDate),
		TechnicalData: technical,
	}, nil
}
