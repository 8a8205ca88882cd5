package entity

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"
)

var idPattern = regexp.MustCompile(`^[0-9a-z]+-[0-9a-z]{6}$`)

func TestNewID(t *testing.T) {
	now := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	seen := make(map[string]bool)
	for range 1000 {
		id := NewID(now)
		if !idPattern.MatchString(id) {
			t.Fatalf("NewID() = %q, want match of %s", id, idPattern)
		}
		if seen[id] {
			t.Fatalf("NewID() returned duplicate %q", id)
		}
		seen[id] = true
	}
	if got, want := NewID(now)[:8], "mdsrudc0"; got != want {
		t.Errorf("prefix = %q, want %q", got, want)
	}
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	got := FormatTime(time.Date(2025, 8, 1, 9, 30, 0, 5e6, loc))
	if want := "2025-08-01T12:30:00.005Z"; got != want {
		t.Errorf("FormatTime() = %q, want %q", got, want)
	}
}

func TestRecord_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantID    string
		wantAt    string
		wantData  string
		wantIP    string
		wantError bool
	}{
		{
			name:     "stored shape",
			in:       `{"id":"abc-000001","createdAt":"2025-01-01T00:00:00.000Z","data":{"forma":"whatsapp"},"ip":"1.2.3.4","ua":"curl"}`,
			wantID:   "abc-000001",
			wantAt:   "2025-01-01T00:00:00.000Z",
			wantData: `{"forma":"whatsapp"}`,
			wantIP:   "1.2.3.4",
		},
		{
			name:     "bare payload with timestamp",
			in:       `{"id":"x1","codigoRca":"R1","timestamp":"2024-05-05T10:00:00Z"}`,
			wantID:   "x1",
			wantAt:   "2024-05-05T10:00:00Z",
			wantData: `{"id":"x1","codigoRca":"R1","timestamp":"2024-05-05T10:00:00Z"}`,
		},
		{
			name:     "numeric id",
			in:       `{"id":1722513600000,"codigoRca":"R2"}`,
			wantID:   "1722513600000",
			wantData: `{"id":1722513600000,"codigoRca":"R2"}`,
		},
		{
			name:     "stored shape with numeric id",
			in:       `{"id":42,"timestamp":"2024-05-05T10:00:00Z","data":{}}`,
			wantID:   "42",
			wantAt:   "2024-05-05T10:00:00Z",
			wantData: `{}`,
		},
		{
			name:     "data that is not an object is payload",
			in:       `{"data":"text"}`,
			wantData: `{"data":"text"}`,
		},
		{
			name:      "array",
			in:        `[1,2]`,
			wantError: true,
		},
		{
			name:      "null",
			in:        `null`,
			wantError: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Record
			err := json.Unmarshal([]byte(tt.in), &r)
			if tt.wantError {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if r.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", r.ID, tt.wantID)
			}
			if r.CreatedAt != tt.wantAt {
				t.Errorf("CreatedAt = %q, want %q", r.CreatedAt, tt.wantAt)
			}
			if string(r.Data) != tt.wantData {
				t.Errorf("Data = %s, want %s", r.Data, tt.wantData)
			}
			if r.IP != tt.wantIP {
				t.Errorf("IP = %q, want %q", r.IP, tt.wantIP)
			}
		})
	}
}

func TestRecord_MarshalJSON(t *testing.T) {
	r := Record{ID: "a-000000", CreatedAt: "2025-01-01T00:00:00.000Z", Origin: Origin{UA: "curl"}}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":"a-000000","createdAt":"2025-01-01T00:00:00.000Z","data":{},"ua":"curl"}`
	if string(b) != want {
		t.Errorf("Marshal() = %s, want %s", b, want)
	}
	var back Record
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.ID != r.ID || back.UA != "curl" || string(back.Data) != "{}" {
		t.Errorf("round trip = %+v", back)
	}
}

func TestRecord_Clone(t *testing.T) {
	r := Record{ID: "a", Data: json.RawMessage(`{"k":"v"}`)}
	c := r.Clone()
	c.Data[2] = 'X'
	if string(r.Data) != `{"k":"v"}` {
		t.Errorf("Clone shares Data: %s", r.Data)
	}
	if CloneAll(nil) != nil {
		t.Error("CloneAll(nil) != nil")
	}
}

func TestRecord_Created(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		want time.Time
	}{
		{"2025-01-02T03:04:05.000Z", true, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"02/01/2025 03:04:05", true, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"yesterday", false, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r := Record{CreatedAt: tt.in}
			got, ok := r.Created()
			if ok != tt.ok || !got.Equal(tt.want) {
				t.Errorf("Created() = %v, %v, want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestStringField(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"abc"`, "abc"},
		{`42`, "42"},
		{`1.5`, "1.5"},
		{`true`, ""},
		{`null`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		if got := StringField(json.RawMessage(tt.in)); got != tt.want {
			t.Errorf("StringField(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
