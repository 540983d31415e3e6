package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipanova/pulp-shelter/pkg/content"
	"github.com/ipanova/pulp-shelter/pkg/download"
	"github.com/ipanova/pulp-shelter/pkg/remote"
)

const twoAnimals = `[
  {"name": "Lucy", "species": "dog", "breed": "beagle", "age": 3, "sex": "female",
   "weight": 11.5, "bio": "loves naps", "shelter": "north", "reserved": true, "picture": "lucy.png"},
  {"name": "Max", "species": "cat", "breed": "tabby", "shelter": "north", "picture": "img/max.png",
   "sha256": "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "size": 42}
]`

func newTestReader(t *testing.T) *Reader {
	t.Helper()
	r, err := NewReader(download.New(download.Options{MaxRetries: -1}), 0, nil)
	require.NoError(t, err)
	return r
}

func serve(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/feeds/shelter/manifest.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, r *Reader, rawURL string) ([]content.Declared, error) {
	t.Helper()
	seq, err := r.Read(context.Background(), &remote.Remote{URL: rawURL})
	if err != nil {
		return nil, err
	}
	var out []content.Declared
	for dc, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, dc)
	}
	return out, nil
}

func TestRead_Entries(t *testing.T) {
	srv := serve(t, twoAnimals)

	got, err := collect(t, newTestReader(t), srv.URL+"/feeds/shelter/manifest.json?token=x")
	require.NoError(t, err)
	require.Len(t, got, 2)

	lucy := got[0]
	assert.Equal(t, content.NaturalKey{Species: "dog", Breed: "beagle", Name: "Lucy", Shelter: "north"}, lucy.Key)
	assert.Equal(t, 3, lucy.Attrs.Age)
	assert.Equal(t, content.SexFemale, lucy.Attrs.Sex)
	assert.True(t, lucy.Attrs.Reserved)
	require.Len(t, lucy.Artifacts, 1)
	assert.Equal(t, srv.URL+"/feeds/shelter/lucy.png", lucy.Artifacts[0].URL)
	assert.Equal(t, "lucy.png", lucy.Artifacts[0].RelativePath)

	max := got[1]
	assert.Equal(t, content.SexUnknown, max.Attrs.Sex)
	assert.False(t, max.Attrs.Reserved)
	assert.Equal(t, "img/max.png", max.Artifacts[0].RelativePath)
	assert.Equal(t, srv.URL+"/feeds/shelter/img/max.png", max.Artifacts[0].URL)
	assert.Equal(t, int64(42), max.Artifacts[0].Size)
	assert.Equal(t, "sha256:"+strings.Repeat("a", 64), max.Artifacts[0].Digest)
}

func TestRead_Empty(t *testing.T) {
	srv := serve(t, `[]`)
	got, err := collect(t, newTestReader(t), srv.URL+"/feeds/shelter/manifest.json")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRead_FetchError(t *testing.T) {
	srv := serve(t, `[]`)
	_, err := collect(t, newTestReader(t), srv.URL+"/missing/manifest.json")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	var se *download.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestRead_ParseErrors(t *testing.T) {
	cases := map[string]string{
		"not json":        `{{{`,
		"object":          `{"name": "Lucy"}`,
		"missing picture": `[{"name": "Lucy", "species": "dog", "breed": "beagle", "shelter": "north"}]`,
		"bad sex":         `[{"name": "Lucy", "species": "dog", "breed": "beagle", "shelter": "north", "picture": "l.png", "sex": "x"}]`,
		"age type":        `[{"name": "Lucy", "species": "dog", "breed": "beagle", "shelter": "north", "picture": "l.png", "age": "three"}]`,
		"escaping path":   `[{"name": "Lucy", "species": "dog", "breed": "beagle", "shelter": "north", "picture": "../../etc/passwd"}]`,
		"truncated":       `[{"name": "Lucy", "species": "dog", "breed": "beagle", "shelter": "north", "picture": "l.png"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := serve(t, body)
			_, err := collect(t, newTestReader(t), srv.URL+"/feeds/shelter/manifest.json")
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
		})
	}
}

func TestRead_StopsEarly(t *testing.T) {
	srv := serve(t, twoAnimals)
	seq, err := newTestReader(t).Read(context.Background(), &remote.Remote{URL: srv.URL + "/feeds/shelter/manifest.json"})
	require.NoError(t, err)

	n := 0
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestArtifactURL(t *testing.T) {
	u, err := url.Parse("https://user@example.com/a/b/manifest.json?sig=abc&exp=1#frag")
	require.NoError(t, err)
	assert.Equal(t, "https://user@example.com/a/b/p.png?sig=abc&exp=1", ArtifactURL(u, "p.png"))

	u, err = url.Parse("file:///srv/north/shelter_manifest.json")
	require.NoError(t, err)
	assert.Equal(t, "file:///srv/north/pics/p.png", ArtifactURL(u, "pics/p.png"))
}

func TestValidateEntry(t *testing.T) {
	e := Entry{Name: "Lucy", Species: "dog", Breed: "beagle", Shelter: "north", Picture: "pics/./lucy.png"}
	got, err := ValidateEntry(e)
	require.NoError(t, err)
	assert.Equal(t, "pics/lucy.png", got.Picture)
	assert.Equal(t, content.SexUnknown, got.Sex)

	for name, mutate := range map[string]func(*Entry){
		"negative age":    func(e *Entry) { e.Age = -1 },
		"negative weight": func(e *Entry) { e.Weight = -0.5 },
		"no breed":        func(e *Entry) { e.Breed = "" },
		"parent path":     func(e *Entry) { e.Picture = "../lucy.png" },
		"sex":             func(e *Entry) { e.Sex = "other" },
	} {
		bad := e
		mutate(&bad)
		_, err := ValidateEntry(bad)
		assert.Error(t, err, name)
	}
}

func TestEncode(t *testing.T) {
	data, err := Encode(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	data, err = Encode([]Entry{{Name: "Lucy", Species: "dog", Breed: "beagle", Shelter: "north", Picture: "lucy.png", Sex: content.SexUnknown}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"Lucy","species":"dog","breed":"beagle","age":0,"sex":"unknown","weight":0,"bio":"","shelter":"north","reserved":false,"picture":"lucy.png"}]`, string(data))
}
