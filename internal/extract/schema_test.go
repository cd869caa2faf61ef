package extract

import (
	"testing"

	"github.com/Dolwer/replyledger/internal/message"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema([]Field{
		{Name: "price_usd", Column: "C", Type: TypeNumber},
		{Name: "amount", Column: "E", Type: TypeNumber},
		{Name: "payment", Column: "F", Type: TypeString},
		{Name: "contact_date", Column: "G", Type: TypeDate},
	})
	require.NoError(t, err)
	return s
}

func TestSchemaValidateAccepted(t *testing.T) {
	s := testSchema(t)
	got, reason := s.Validate(map[string]interface{}{
		"price_usd":    "1,200.50",
		"amount":       float64(3),
		"payment":      " wire ",
		"contact_date": "02.05.2024",
	})
	require.Empty(t, reason)

	want := map[string]string{
		"price_usd":    "1200.5",
		"amount":       "3",
		"payment":      "wire",
		"contact_date": "2024-05-02",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Validate mismatch (-want +got):\n%s", diff)
	}
}

func TestSchemaValidateEmptyValues(t *testing.T) {
	s := testSchema(t)
	got, reason := s.Validate(map[string]interface{}{
		"price_usd":    "",
		"amount":       "",
		"payment":      "",
		"contact_date": "",
	})
	require.Empty(t, reason)
	for name, v := range got {
		require.Empty(t, v, "field %s", name)
	}
}

func TestSchemaValidateFailures(t *testing.T) {
	s := testSchema(t)
	full := func(overrides map[string]interface{}) map[string]interface{} {
		m := map[string]interface{}{
			"price_usd":    "100",
			"amount":       "2",
			"payment":      "wire",
			"contact_date": "2024-05-02",
		}
		for k, v := range overrides {
			m[k] = v
		}
		return m
	}

	cases := []struct {
		name string
		raw  map[string]interface{}
		want message.Reason
	}{
		{
			name: "missing amount",
			raw: map[string]interface{}{
				"price_usd": "100", "payment": "wire", "contact_date": "",
			},
			want: message.MissingField("amount"),
		},
		{
			name: "null is missing",
			raw:  full(map[string]interface{}{"payment": nil}),
			want: message.MissingField("payment"),
		},
		{
			name: "non-numeric price",
			raw:  full(map[string]interface{}{"price_usd": "ask later"}),
			want: message.TypeMismatch("price_usd"),
		},
		{
			name: "boolean for string",
			raw:  full(map[string]interface{}{"payment": true}),
			want: message.TypeMismatch("payment"),
		},
		{
			name: "number for string field",
			raw:  full(map[string]interface{}{"payment": float64(7)}),
			want: message.TypeMismatch("payment"),
		},
		{
			name: "garbage date",
			raw:  full(map[string]interface{}{"contact_date": "soonish"}),
			want: message.TypeMismatch("contact_date"),
		},
		{
			name: "first failure in declaration order wins",
			raw:  full(map[string]interface{}{"price_usd": "x", "payment": true}),
			want: message.TypeMismatch("price_usd"),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, reason := s.Validate(tc.raw)
			require.Equal(t, tc.want, reason)
		})
	}
}

func TestParseNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"100", "100", true},
		{"$1,200.50", "1200.5", true},
		{"1 200,50", "1200.5", true},
		{"99,5", "99.5", true},
		{"-3.25", "-3.25", true},
		{"free", "", false},
		{"12..5", "", false},
	}
	for _, tc := range cases {
		got, ok := parseNumber(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseNumber(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNewSchemaRejects(t *testing.T) {
	_, err := NewSchema(nil)
	require.Error(t, err)

	_, err = NewSchema([]Field{{Name: "a", Type: TypeString}, {Name: "a", Type: TypeString}})
	require.Error(t, err)

	_, err = NewSchema([]Field{{Name: "a", Type: "uuid"}})
	require.Error(t, err)
}
