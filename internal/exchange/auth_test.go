package exchange

import (
	"testing"
	"time"
)

// Vectors from the exchange's REST authentication documentation.
func TestSignKnownVectors(t *testing.T) {
	t.Parallel()
	auth := NewAuth(
		"LAqUlngMIQkIUjXMUreyu3qn",
		"chNOOS4KvNXR_Xq4k4c9qsfoKWvnDecLATCRlcBwyKDYnWgO",
	)

	tests := []struct {
		name    string
		verb    string
		path    string
		expires int64
		body    string
		want    string
	}{
		{
			name:    "get",
			verb:    "GET",
			path:    "/api/v1/instrument",
			expires: 1518064236,
			want:    "c7682d435d0cfe87c16098df34ef2eb5a549d4c5a3c2b1f0f77b8af73423bf00",
		},
		{
			name:    "get with query",
			verb:    "GET",
			path:    "/api/v1/instrument?filter=%7B%22symbol%22%3A+%22XBTM15%22%7D",
			expires: 1518064237,
			want:    "e2f422547eecb5b3cb29ade2127e21b858b235b386bfa45e1c1756eb3383919f",
		},
		{
			name:    "post with body",
			verb:    "POST",
			path:    "/api/v1/order",
			expires: 1518064238,
			body:    `{"symbol":"XBTM15","price":219.0,"clOrdID":"mm_bitmex_1a/oemUeQ4CAJZgP3fjHsA","orderQty":98}`,
			want:    "1749cd2ccae4aa49048ae09f0b95110cee706e0944e6a14ad0b3a8cb45bd336b",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := auth.Sign(tt.verb, tt.path, tt.expires, tt.body)
			if got != tt.want {
				t.Errorf("Sign() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHeadersCarryKeyAndExpiry(t *testing.T) {
	t.Parallel()
	auth := NewAuth("key", "secret")
	auth.now = func() time.Time { return time.Unix(1000, 0) }

	h := auth.Headers("GET", "/api/v1/position", "")
	if h["api-key"] != "key" {
		t.Errorf("api-key = %q", h["api-key"])
	}
	if h["api-expires"] != "1060" {
		t.Errorf("api-expires = %q, want now+60s", h["api-expires"])
	}
	if h["api-signature"] == "" {
		t.Error("api-signature missing")
	}
}
