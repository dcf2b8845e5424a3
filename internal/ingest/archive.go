package ingest

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zip"

	"github.com/denabel/GeoCliP/internal/models"
)

// StationArchive is the content of one DWD station archive.
type StationArchive struct {
	Station      models.Station
	Observations []models.HourlyObservation
	RowErrors    *multierror.Error
}

// ReadArchive unpacks a station zip held in memory and parses its product
// and geography files.
func ReadArchive(name string, data []byte) (*StationArchive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", name, err)
	}

	var produkt, geo *zip.File
	for _, f := range zr.File {
		base := path.Base(f.Name)
		switch {
		case strings.HasPrefix(base, "produkt_") && produkt == nil:
			produkt = f
		case strings.Contains(base, "Geographie") && strings.HasSuffix(strings.ToLower(base), ".txt") && geo == nil:
			geo = f
		}
	}
	if produkt == nil {
		return nil, fmt.Errorf("archive %s: no produkt file", name)
	}
	if geo == nil {
		return nil, fmt.Errorf("archive %s: no Metadaten_Geographie file", name)
	}

	out := &StationArchive{}

	rc, err := produkt.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", produkt.Name, err)
	}
	out.Observations, out.RowErrors, err = ParseProdukt(rc, name+"/"+produkt.Name)
	rc.Close()
	if err != nil {
		return nil, err
	}

	rc, err = geo.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", geo.Name, err)
	}
	out.Station, err = ParseGeography(rc, name+"/"+geo.Name)
	rc.Close()
	if err != nil {
		return nil, err
	}
	return out, nil
}
