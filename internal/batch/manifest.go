// Package batch runs the pipeline over many tiles concurrently and can keep
// a manifest under watch, running tiles as they are added.
package batch

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
)

// Manifest lists the tiles of a batch.
//
//	defaults:
//	  start_date: "20230720"
//	  end_date: "20240805"
//	tiles:
//	  - tile: 094_076
//	  - tile: 090_084
//	    sr_dir_start: /data/sr/090_084/2023
type Manifest struct {
	Defaults Entry   `yaml:"defaults"`
	Tiles    []Entry `yaml:"tiles"`
}

// Entry is one tile request. Empty fields fall back to the defaults.
type Entry struct {
	Tile         string `yaml:"tile"`
	StartDate    string `yaml:"start_date"`
	EndDate      string `yaml:"end_date"`
	SRDirStart   string `yaml:"sr_dir_start"`
	SRDirEnd     string `yaml:"sr_dir_end"`
	SeasonWindow string `yaml:"season_window"` // MMDD,MMDD
}

// Job is a validated tile request.
type Job struct {
	Tile       tile.Tile
	Start      tile.DateTag
	End        tile.DateTag
	SRDirStart string
	SRDirEnd   string
	Window     *tile.SeasonWindow
}

// Key identifies a job by tile and date pair.
func (j Job) Key() string { return j.Tile.Code() + "|" + tile.Era(j.Start, j.End) }

// LoadManifest reads a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Jobs validates every entry. Duplicate tile/date pairs collapse to the first.
func (m *Manifest) Jobs() ([]Job, error) {
	var jobs []Job
	seen := map[string]bool{}
	for i, e := range m.Tiles {
		j, err := m.job(e)
		if err != nil {
			return nil, fmt.Errorf("tiles[%d]: %w", i, err)
		}
		if seen[j.Key()] {
			continue
		}
		seen[j.Key()] = true
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (m *Manifest) job(e Entry) (Job, error) {
	or := func(v, def string) string {
		if strings.TrimSpace(v) != "" {
			return v
		}
		return def
	}
	t, err := tile.Parse(e.Tile)
	if err != nil {
		return Job{}, err
	}
	j := Job{
		Tile:       t,
		SRDirStart: or(e.SRDirStart, m.Defaults.SRDirStart),
		SRDirEnd:   or(e.SRDirEnd, m.Defaults.SRDirEnd),
	}
	if j.Start, err = tile.ParseDate(or(e.StartDate, m.Defaults.StartDate)); err != nil {
		return Job{}, fmt.Errorf("start_date: %w", err)
	}
	if j.End, err = tile.ParseDate(or(e.EndDate, m.Defaults.EndDate)); err != nil {
		return Job{}, fmt.Errorf("end_date: %w", err)
	}
	if j.Start.After(j.End) {
		return Job{}, fmt.Errorf("start_date %s is after end_date %s", j.Start, j.End)
	}
	if w := or(e.SeasonWindow, m.Defaults.SeasonWindow); w != "" {
		sw, err := tile.ParseWindow(w)
		if err != nil {
			return Job{}, err
		}
		j.Window = &sw
	}
	return j, nil
}
