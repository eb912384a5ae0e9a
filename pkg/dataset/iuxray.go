package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	reportsFile     = "indiana_reports.csv"
	projectionsFile = "indiana_projections.csv"

	projectionFrontal = "Frontal"
	projectionLateral = "Lateral"
)

// PatientRecord is one patient's images and report. Records are built once
// at dataset load time and never mutated afterwards. A record may have zero
// images in either projection; such patients simply contribute no samples to
// a batch.
type PatientRecord struct {
	UID     string
	Frontal []string
	Lateral []string
	Report  string
	Label   string
}

// Dataset is an immutable list of patient records.
type Dataset struct {
	Records  []PatientRecord
	ImageDir string
}

// Len returns the number of patients.
func (d *Dataset) Len() int { return len(d.Records) }

// LoadIUXRay reads the IU-Xray report and projection tables under dataDir
// and assembles patient records. Reports where both findings and impression
// are missing are dropped; the remaining report text is the concatenation of
// findings, impression, and MeSH terms.
func LoadIUXRay(dataDir string) (*Dataset, error) {
	imageDir := filepath.Join(dataDir, "images", "images_normalized")

	reports, err := readCSV(filepath.Join(dataDir, reportsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read reports: %w", err)
	}
	projections, err := readCSV(filepath.Join(dataDir, projectionsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read projections: %w", err)
	}

	frontal := make(map[string][]string)
	lateral := make(map[string][]string)
	for _, row := range projections {
		uid := row["uid"]
		path := filepath.Join(imageDir, row["filename"])
		switch row["projection"] {
		case projectionFrontal:
			frontal[uid] = append(frontal[uid], path)
		case projectionLateral:
			lateral[uid] = append(lateral[uid], path)
		}
	}

	ds := &Dataset{ImageDir: imageDir}
	for _, row := range reports {
		findings := strings.TrimSpace(row["findings"])
		impression := strings.TrimSpace(row["impression"])
		if findings == "" && impression == "" {
			continue
		}

		uid := row["uid"]
		ds.Records = append(ds.Records, PatientRecord{
			UID:     uid,
			Frontal: frontal[uid],
			Lateral: lateral[uid],
			Report:  joinSections(findings, impression, strings.TrimSpace(row["MeSH"])),
			Label:   row["MeSH"],
		})
	}
	return ds, nil
}

// joinSections concatenates non-empty report sections with single spaces.
func joinSections(sections ...string) string {
	parts := sections[:0:0]
	for _, s := range sections {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// readCSV parses a headered CSV file into one map per row.
func readCSV(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", filepath.Base(path), err)
	}

	var rows []map[string]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}

		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
