package doctor

import "testing"

func TestParseMajorMinor(t *testing.T) {
	tests := []struct {
		in           string
		major, minor int
		wantErr      bool
	}{
		{"3.11.4", 3, 11, false},
		{"Python 3.10.2\n", 3, 10, false},
		{"3.9", 3, 9, false},
		{"3", 0, 0, true},
		{"x.1", 0, 0, true},
		{"3.y", 0, 0, true},
	}

	for _, tc := range tests {
		major, minor, err := parseMajorMinor(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseMajorMinor(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}

		if !tc.wantErr && (major != tc.major || minor != tc.minor) {
			t.Errorf("parseMajorMinor(%q) = %d.%d, want %d.%d", tc.in, major, minor, tc.major, tc.minor)
		}
	}
}

func TestCheckPythonVersion(t *testing.T) {
	for ver, ok := range map[string]bool{
		"3.8.18": false,
		"3.9.0":  true,
		"3.12.1": true,
		"3.15.0": false,
		"2.7.18": false,
	} {
		if err := checkPythonVersion(ver); (err == nil) != ok {
			t.Errorf("checkPythonVersion(%q) err = %v, want ok=%v", ver, err, ok)
		}
	}
}
