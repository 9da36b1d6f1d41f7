package remoteuser

import "testing"

func TestHeaderFromMeta(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "HTTP_X_REMOTE_USER", want: "X-Remote-User"},
		{in: "http_x_forwarded_user", want: "X-Forwarded-User"},
		{in: "HTTP_AUTH_USER", want: "Auth-User"},
		{in: "CONTENT_TYPE", want: "Content-Type"},
		{in: "REMOTE_USER", wantErr: true},
		{in: "HTTP_", wantErr: true},
		{in: "", wantErr: true},
	} {
		got, err := HeaderFromMeta(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("HeaderFromMeta(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("HeaderFromMeta(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseHeader(t *testing.T) {
	for in, want := range map[string]string{
		"":                    DefaultHeader,
		"x-remote-user":       "X-Remote-User",
		"X-Auth-Request-User": "X-Auth-Request-User",
		DefaultMetaHeader:     DefaultHeader,
	} {
		got, err := ParseHeader(in)
		if err != nil {
			t.Errorf("ParseHeader(%q) err = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseHeader(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseHeader("REMOTE_USER"); err == nil {
		t.Error("ParseHeader(REMOTE_USER) should fail")
	}
}
