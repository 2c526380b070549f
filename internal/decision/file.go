package decision

import (
	"context"
	"os"
	"strconv"
	"strings"

	"liq_engine/internal/models"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// fileDoc: формат файла: одно решение или {"decisions": [...], "liquidation_zones": [...]}.
type fileDoc struct {
	Decisions []rawDecision    `json:"decisions"`
	Zones     []models.LiqZone `json:"liquidation_zones"`
}

// rawDecision принимает числовой id и risk_flags произвольного вида и приводит к models.Decision.
type rawDecision struct {
	models.Decision
	RawID      any            `json:"id"`
	RawFlags   map[string]any `json:"risk_flags"`
	RawManage  *rawManagement `json:"position_management"`
	LiqZoneTop string         `json:"liq_tp_zone_id"`
}

func (r rawDecision) decision() models.Decision {
	d := r.Decision
	switch id := r.RawID.(type) {
	case string:
		d.ID = id
	case float64:
		d.ID = strconv.FormatFloat(id, 'f', -1, 64)
	}
	d.RiskFlags = flagsFrom(r.RawFlags)
	d.Management = r.RawManage.management()
	if d.Management.LiqTPZoneID == "" {
		d.Management.LiqTPZoneID = r.LiqZoneTop
	}
	return d
}

// FileSource читает JSON-файл, который перезаписывает Decision Engine.
type FileSource struct {
	path string
}

var (
	_ Source     = (*FileSource)(nil)
	_ ZoneSource = (*FileSource)(nil)
)

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) read() (fileDoc, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileDoc{}, ErrNotFound
		}
		return fileDoc{}, errors.Wrap(err, "read decision file")
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return fileDoc{}, ErrNotFound
	}

	var doc fileDoc
	if err := sonic.UnmarshalString(trimmed, &doc); err != nil {
		return fileDoc{}, errors.Wrap(err, "decode decision file")
	}
	if len(doc.Decisions) == 0 && len(doc.Zones) == 0 {
		var one rawDecision
		if err := sonic.UnmarshalString(trimmed, &one); err != nil {
			return fileDoc{}, errors.Wrap(err, "decode decision")
		}
		doc.Decisions = []rawDecision{one}
	}
	return doc, nil
}

func (f *FileSource) Latest(_ context.Context, symbol string) (models.Decision, error) {
	doc, err := f.read()
	if err != nil {
		return models.Decision{}, err
	}
	var (
		best  models.Decision
		found bool
	)
	for _, r := range doc.Decisions {
		d := r.decision()
		if d.Symbol != "" && d.Symbol != symbol {
			continue
		}
		if !found || d.IssuedAt.After(best.IssuedAt) {
			best, found = d, true
		}
	}
	if !found {
		return models.Decision{}, ErrNotFound
	}
	if best.Symbol == "" {
		best.Symbol = symbol
	}
	return best, nil
}

func (f *FileSource) Zone(_ context.Context, symbol, id string) (models.LiqZone, error) {
	doc, err := f.read()
	if err != nil {
		return models.LiqZone{}, err
	}
	for _, z := range doc.Zones {
		if z.ID == id && (z.Symbol == "" || z.Symbol == symbol) {
			return z, nil
		}
	}
	return models.LiqZone{}, ErrNotFound
}
