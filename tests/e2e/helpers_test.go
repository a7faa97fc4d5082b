package e2e

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strconv"
	"testing"

	_ "github.com/lib/pq"
)

// setupTestDB recreates dbName and returns its URL. Migrations run when the
// harvester opens the store.
func setupTestDB(t *testing.T, rootURL, dbName string) string {
	t.Helper()
	rootDB, err := sql.Open("postgres", rootURL)
	if err != nil {
		t.Fatalf("Failed to connect to root postgres: %v", err)
	}
	defer rootDB.Close()

	_, _ = rootDB.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName))
	if _, err := rootDB.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName)); err != nil {
		t.Fatalf("Failed to create test database %s: %v", dbName, err)
	}
	t.Cleanup(func() {
		db, err := sql.Open("postgres", rootURL)
		if err != nil {
			return
		}
		defer db.Close()
		_, _ = db.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName))
	})

	u, err := urlWithDatabase(rootURL, dbName)
	if err != nil {
		t.Fatalf("bad E2E_POSTGRES url: %v", err)
	}
	return u
}

// imageServer answers {"results":[{"url"}]} searches and serves noise PNGs.
func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		results := make([]map[string]string, 0, limit)
		for i := offset; i < offset+limit; i++ {
			results = append(results, map[string]string{"url": fmt.Sprintf("%s/img/%s-%d", base, url.PathEscape(r.URL.Query().Get("q")), i)})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		seed := fnv.New64a()
		seed.Write([]byte(path.Base(r.URL.Path)))
		rng := rand.New(rand.NewPCG(seed.Sum64(), 11))
		img := image.NewRGBA(image.Rect(0, 0, 96, 96))
		for y := 0; y < 96; y++ {
			for x := 0; x < 96; x++ {
				img.Set(x, y, color.RGBA{uint8(rng.IntN(256)), uint8(rng.IntN(256)), uint8(rng.IntN(256)), 255})
			}
		}
		w.Header().Set("Content-Type", "image/png")
		_ = png.Encode(w, img)
	})
	ts := httptest.NewServer(mux)
	base = ts.URL
	t.Cleanup(ts.Close)
	return ts
}
