package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"kotoba/internal/db"
	"kotoba/internal/services"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "import.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func newImporter(t *testing.T) (*Importer, *services.ItemService) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	items := services.NewItemService(conn)
	return New(items), items
}

func TestImportCSVWithAliasedHeaders(t *testing.T) {
	im, items := newImporter(t)
	ctx := context.Background()

	path := writeCSV(t, "front,kana,back,sentence,deck\n"+
		"猫,ねこ,cat,猫はかわいい。,animals\n"+
		"犬,いぬ,dog,,animals\n")

	result, err := im.ImportFile(ctx, Options{Path: path, Level: "N5"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Imported != 2 || result.Skipped != 0 {
		t.Fatalf("result = %+v, want 2 imported", result)
	}

	loaded, err := items.ItemsByIDs(ctx, result.NewIDs)
	if err != nil {
		t.Fatalf("reload items: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded = %d items, want 2", len(loaded))
	}
	cat := loaded[0]
	if cat.Term != "猫" || cat.Reading.String != "ねこ" || cat.Meaning != "cat" {
		t.Errorf("item = %+v, want aliased columns mapped", cat)
	}
	if cat.Tags.String != "N5, animals" {
		t.Errorf("tags = %q, want level prepended", cat.Tags.String)
	}
}

func TestImportSkipsBadRowsAndMerges(t *testing.T) {
	im, _ := newImporter(t)
	ctx := context.Background()

	path := writeCSV(t, "term,meaning\n"+
		"水,water\n"+
		",missing term\n"+
		"水,water again\n")

	result, err := im.ImportFile(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.TotalRows != 3 || result.Imported != 1 || result.Merged != 1 || result.Skipped != 1 {
		t.Errorf("result = %+v, want 1 imported, 1 merged, 1 skipped", result)
	}
	if len(result.Errors) != 1 {
		t.Errorf("errors = %v, want one row error", result.Errors)
	}
}

func TestImportRejectsUnknownHeader(t *testing.T) {
	im, _ := newImporter(t)

	path := writeCSV(t, "a,b\n1,2\n")
	if _, err := im.ImportFile(context.Background(), Options{Path: path}); err == nil {
		t.Fatal("import of a headerless file did not fail")
	}

	if _, err := im.ImportFile(context.Background(), Options{Path: "x.txt"}); err == nil {
		t.Fatal("unsupported extension did not fail")
	}
}

func TestImportLevelTokenNotDuplicated(t *testing.T) {
	im, items := newImporter(t)
	ctx := context.Background()

	path := writeCSV(t, "term,meaning,tags\n木,tree,\"n5, nature\"\n")
	result, err := im.ImportFile(ctx, Options{Path: path, Level: "N5"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	loaded, err := items.ItemsByIDs(ctx, result.NewIDs)
	if err != nil || len(loaded) != 1 {
		t.Fatalf("reload: %v (%d items)", err, len(loaded))
	}
	if loaded[0].Tags.String != "n5, nature" {
		t.Errorf("tags = %q, want existing level token kept as is", loaded[0].Tags.String)
	}
}
