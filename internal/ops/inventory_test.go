package ops

import (
	"context"
	"fmt"
	"testing"

	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
)

func TestInventory(t *testing.T) {
	st := newTestStore(t)
	seed(t, st,
		rec("raw1", false, false),
		rec("raw2", false, false),
		record.Record{Key: "/img/p.jpg", Processed: true, ModelName: "lite"},
		record.Record{Key: "/img/v1.jpg", Processed: true, Verified: true, ModelName: "full"},
		record.Record{Key: "/img/v2.jpg", Processed: true, Verified: true, ModelName: "full"},
	)

	out, err := Inventory(context.Background(), st)
	if err != nil {
		t.Fatalf("Inventory failed: %v", err)
	}
	if out.Total != 5 || out.Unprocessed != 2 || out.Processed != 1 || out.Verified != 2 {
		t.Errorf("counts = %+v", out)
	}
	want := []ModelCount{{Model: "full", Count: 2}, {Model: "lite", Count: 1}}
	if fmt.Sprint(out.Models) != fmt.Sprint(want) {
		t.Errorf("Models = %v, want %v", out.Models, want)
	}
	if out.State != "dirty" {
		t.Errorf("State = %q, want dirty", out.State)
	}
}

func TestInventory_Empty(t *testing.T) {
	st := newTestStore(t)

	out, err := Inventory(context.Background(), st)
	if err != nil {
		t.Fatalf("Inventory failed: %v", err)
	}
	if out.Total != 0 || out.Models == nil {
		t.Errorf("out = %+v", out)
	}
}

func TestFetchMany_PartialSuccess(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, rec("a", false, false), rec("b", true, false))

	out, err := FetchMany(st, FetchManyInput{Keys: []string{"/img/b.jpg", "/img/missing.jpg", " ", "/img/a.jpg"}})
	if err != nil {
		t.Fatalf("FetchMany failed: %v", err)
	}
	if len(out.Items) != 2 || out.Items[0].Key != "/img/b.jpg" || out.Items[1].Key != "/img/a.jpg" {
		t.Errorf("Items = %+v, want b then a", out.Items)
	}
	if len(out.Errors) != 2 {
		t.Fatalf("len(Errors) = %d, want 2", len(out.Errors))
	}
	if out.Errors[0].Code != string(errors.ErrNotFound) || out.Errors[1].Code != string(errors.ErrInvalidRequest) {
		t.Errorf("Errors = %+v", out.Errors)
	}
}

func TestFetchMany_Bounds(t *testing.T) {
	st := newTestStore(t)

	if _, err := FetchMany(st, FetchManyInput{}); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("empty keys should return ErrInvalidRequest, got: %v", err)
	}
	keys := make([]string, MaxFetchMany+1)
	for i := range keys {
		keys[i] = fmt.Sprintf("/img/%d.jpg", i)
	}
	if _, err := FetchMany(st, FetchManyInput{Keys: keys}); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("too many keys should return ErrInvalidRequest, got: %v", err)
	}
}
