package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuery(t *testing.T) {
	qe, err := NewQueryEngine()
	require.NoError(t, err)

	units := []*Unit{
		{ID: "1", Key: NaturalKey{Species: "dog", Breed: "beagle", Name: "lucy", Shelter: "north"}, Attrs: Attributes{Age: 2, Sex: SexFemale, Weight: 9.5}},
		{ID: "2", Key: NaturalKey{Species: "dog", Breed: "boxer", Name: "max", Shelter: "south"}, Attrs: Attributes{Age: 7, Sex: SexMale, Reserved: true}},
		{ID: "3", Key: NaturalKey{Species: "cat", Breed: "siamese", Name: "tom", Shelter: "north"}, Attrs: Attributes{Age: 1, Sex: SexMale}},
	}

	tests := []struct {
		expr string
		want []string
	}{
		{`species == "dog"`, []string{"1", "2"}},
		{`age < 3 && !reserved`, []string{"1", "3"}},
		{`shelter == "north" && sex == "male"`, []string{"3"}},
		{`weight > 9.0`, []string{"1"}},
		{`name.startsWith("m")`, []string{"2"}},
		{`true`, []string{"1", "2", "3"}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			q, err := qe.Compile(tt.expr)
			require.NoError(t, err)
			got, err := q.Select(units)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, u := range got {
				ids = append(ids, u.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestQuery_CompileErrors(t *testing.T) {
	qe, err := NewQueryEngine()
	require.NoError(t, err)

	_, err = qe.Compile(`age +`)
	assert.Error(t, err)
	_, err = qe.Compile(`color == "brown"`)
	assert.Error(t, err, "unknown variable")
	_, err = qe.Compile(`age + 1`)
	assert.ErrorContains(t, err, "boolean")
}

func TestQuery_Cached(t *testing.T) {
	qe, err := NewQueryEngine()
	require.NoError(t, err)
	_, err = qe.Compile(`age > 1`)
	require.NoError(t, err)
	_, err = qe.Compile(`age > 1`)
	require.NoError(t, err)
	assert.Len(t, qe.prgCache, 1)
}

func TestQuery_Fields(t *testing.T) {
	qe, err := NewQueryEngine()
	require.NoError(t, err)

	q, err := qe.Compile(`species == "dog" && (age < 3 || name.startsWith("R")) && !reserved`)
	require.NoError(t, err)
	assert.Equal(t, []string{"age", "name", "reserved", "species"}, q.Fields())

	q, err = qe.Compile(`["north", "south"].exists(s, s == shelter)`)
	require.NoError(t, err)
	assert.Equal(t, []string{"shelter"}, q.Fields())

	q, err = qe.Compile(`true`)
	require.NoError(t, err)
	assert.Empty(t, q.Fields())
}
