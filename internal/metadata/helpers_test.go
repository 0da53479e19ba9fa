package metadata

import (
	"database/sql"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/bundlepay/server/pkg/bundleitem"
)

// fakeRow replays a value slice through the scanner interface so the scan
// helpers can be exercised without a database.
type fakeRow struct {
	vals []interface{}
}

func (f fakeRow) Scan(dest ...interface{}) error {
	if len(dest) != len(f.vals) {
		return fmt.Errorf("scan arity: got %d, want %d", len(dest), len(f.vals))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = f.vals[i].(string)
		case *int:
			*d = f.vals[i].(int)
		case *int64:
			*d = f.vals[i].(int64)
		case *uint64:
			*d = f.vals[i].(uint64)
		case *time.Time:
			*d = f.vals[i].(time.Time)
		case *sql.NullTime:
			*d = f.vals[i].(sql.NullTime)
		case *sql.NullInt64:
			*d = f.vals[i].(sql.NullInt64)
		case *[]byte:
			*d = f.vals[i].([]byte)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func TestFailedBundlesRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		ids    []string
		joined string
	}{
		{"empty", nil, ""},
		{"single", []string{"plan-1"}, "plan-1"},
		{"multiple", []string{"plan-1", "tx-abc", "plan-2"}, "plan-1,tx-abc,plan-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			joined := joinFailedBundles(tt.ids)
			if joined != tt.joined {
				t.Errorf("joinFailedBundles() = %q, want %q", joined, tt.joined)
			}
			back := splitFailedBundles(joined)
			if !reflect.DeepEqual(back, tt.ids) {
				t.Errorf("splitFailedBundles(%q) = %v, want %v", joined, back, tt.ids)
			}
		})
	}
}

func TestItemScanRoundTrip(t *testing.T) {
	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		item DataItem
	}{
		{
			name: "full",
			item: DataItem{
				ID:                 "item-1",
				OwnerAddress:       "owner-a",
				SignatureType:      1,
				ByteCount:          2048,
				PayloadContentType: "image/png",
				PayloadDataStart:   1085,
				UploadedAt:         time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC),
				DeadlineHeight:     1500200,
				AssessedPrice:      987654321,
				PremiumFeatureType: "priority",
				Tags: []bundleitem.Tag{
					{Name: "Content-Type", Value: "image/png"},
					{Name: "App-Name", Value: "test"},
				},
				FailedBundles: []string{"plan-old"},
				FailedAt:      &failedAt,
				FailedReason:  "signature invalid",
			},
		},
		{
			name: "minimal",
			item: DataItem{
				ID:               "item-2",
				OwnerAddress:     "owner-b",
				SignatureType:    3,
				ByteCount:        1,
				PayloadDataStart: 0,
				UploadedAt:       time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
				DeadlineHeight:   1500300,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := itemArgs(tt.item)
			if err != nil {
				t.Fatalf("itemArgs() error: %v", err)
			}
			got, err := scanItem(fakeRow{vals: args})
			if err != nil {
				t.Fatalf("scanItem() error: %v", err)
			}
			want := tt.item
			if want.Tags == nil {
				want.Tags = []bundleitem.Tag{}
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
			}
		})
	}
}

func TestScanPayment(t *testing.T) {
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	finalized := created.Add(time.Minute)

	vals := []interface{}{
		"pay-1", "0xhash", "base-sepolia", "0xtoken", "0xpayer", "0xrecipient",
		uint64(150000), uint64(2000000), "payg", int64(1024),
		sql.NullInt64{Int64: 1100, Valid: true},
		PaymentStatusConfirmed, uint64(0), "item-1", created,
		sql.NullTime{Time: finalized, Valid: true},
	}
	p, err := scanPayment(fakeRow{vals: vals})
	if err != nil {
		t.Fatalf("scanPayment() error: %v", err)
	}
	if p.PaymentID != "pay-1" || p.Network != "base-sepolia" {
		t.Errorf("unexpected identity fields: %+v", p)
	}
	if p.ActualBytes == nil || *p.ActualBytes != 1100 {
		t.Errorf("ActualBytes = %v, want 1100", p.ActualBytes)
	}
	if p.FinalizedAt == nil || !p.FinalizedAt.Equal(finalized) {
		t.Errorf("FinalizedAt = %v, want %v", p.FinalizedAt, finalized)
	}

	vals[10] = sql.NullInt64{}
	vals[15] = sql.NullTime{}
	p, err = scanPayment(fakeRow{vals: vals})
	if err != nil {
		t.Fatalf("scanPayment() error: %v", err)
	}
	if p.ActualBytes != nil || p.FinalizedAt != nil {
		t.Errorf("pending payment should have nil finalization fields: %+v", p)
	}
}

func TestNullTimeHelpers(t *testing.T) {
	now := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

	if nt := nullTime(time.Time{}); nt.Valid {
		t.Error("nullTime(zero) should be invalid")
	}
	if nt := nullTime(now); !nt.Valid || !nt.Time.Equal(now) {
		t.Errorf("nullTime() = %+v, want valid %v", nt, now)
	}
	if nt := nullTimePtr(nil); nt.Valid {
		t.Error("nullTimePtr(nil) should be invalid")
	}
	if nt := nullTimePtr(&now); !nt.Valid || !nt.Time.Equal(now) {
		t.Errorf("nullTimePtr() = %+v, want valid %v", nt, now)
	}
	if p := timePtr(sql.NullTime{}); p != nil {
		t.Errorf("timePtr(invalid) = %v, want nil", p)
	}
	if p := timePtr(sql.NullTime{Time: now, Valid: true}); p == nil || !p.Equal(now) {
		t.Errorf("timePtr(valid) = %v, want %v", p, now)
	}
}
