// Package geotest builds small GeoLite2-shaped databases and archives for tests.
package geotest

import (
	"archive/tar"
	"bytes"
	"net"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/mmdbtype"
)

// Record is one network entry. Nil coordinates are left out of the record.
type Record struct {
	Network   string
	Latitude  *float64
	Longitude *float64
	City      string
	// ASN fields, for GeoLite2-ASN shaped databases.
	ASN          uint32
	Organization string
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// BuildDB writes a database of the given type ("GeoLite2-City", ...) holding records.
func BuildDB(t testing.TB, databaseType string, records ...Record) []byte {
	t.Helper()

	tree, err := mmdbwriter.New(mmdbwriter.Options{
		DatabaseType: databaseType,
		RecordSize:   28,
	})
	if err != nil {
		t.Fatalf("mmdbwriter.New: %v", err)
	}

	for _, r := range records {
		_, network, err := net.ParseCIDR(r.Network)
		if err != nil {
			t.Fatalf("parse %s: %v", r.Network, err)
		}

		value := mmdbtype.Map{}
		location := mmdbtype.Map{}
		if r.Latitude != nil {
			location["latitude"] = mmdbtype.Float64(*r.Latitude)
		}
		if r.Longitude != nil {
			location["longitude"] = mmdbtype.Float64(*r.Longitude)
		}
		if len(location) > 0 {
			value["location"] = location
		}
		if r.City != "" {
			value["city"] = mmdbtype.Map{
				"names": mmdbtype.Map{"en": mmdbtype.String(r.City)},
			}
		}
		if r.ASN != 0 {
			value["autonomous_system_number"] = mmdbtype.Uint32(r.ASN)
		}
		if r.Organization != "" {
			value["autonomous_system_organization"] = mmdbtype.String(r.Organization)
		}
		if err := tree.Insert(network, value); err != nil {
			t.Fatalf("insert %s: %v", r.Network, err)
		}
	}

	var buf bytes.Buffer
	if _, err := tree.WriteTo(&buf); err != nil {
		t.Fatalf("write database: %v", err)
	}
	return buf.Bytes()
}

// File is one tar entry.
type File struct {
	Name string
	Data []byte
}

// Archive packs files into a gzip-compressed tar stream, like the mirror serves.
func Archive(t testing.TB, files ...File) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		hdr := &tar.Header{
			Name:     f.Name,
			Mode:     0o644,
			Size:     int64(len(f.Data)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write(f.Data); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}
