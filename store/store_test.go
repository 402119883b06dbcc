package store

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilde-lab/yascheduler/model"
)

// fakeRow implements rowScanner by copying a fixed set of values into
// whatever destination pointers Scan is given, the way pgx would after
// running a real query. Lets us exercise scanNode/scanTask without a
// database.
type fakeRow struct {
	values []interface{}
}

func (f fakeRow) Scan(dest ...interface{}) error {
	for i, d := range dest {
		dv := reflect.ValueOf(d).Elem()
		sv := reflect.ValueOf(f.values[i])
		if !sv.IsValid() {
			continue // nil source, leave dest as its zero value
		}
		dv.Set(sv)
	}
	return nil
}

func TestScanNode(t *testing.T) {
	ncpus := 8
	cloud := "openstack"
	row := fakeRow{values: []interface{}{"10.0.0.1", &ncpus, true, &cloud}}

	n, err := scanNode(row)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", n.IP)
	assert.Equal(t, 8, n.NCPUs)
	assert.True(t, n.Enabled)
	assert.Equal(t, "openstack", n.Cloud)
	assert.True(t, n.IsCloud())
}

func TestScanNodeNullableFields(t *testing.T) {
	row := fakeRow{values: []interface{}{"placeholder1234", (*int)(nil), false, (*string)(nil)}}

	n, err := scanNode(row)
	require.NoError(t, err)
	assert.Zero(t, n.NCPUs)
	assert.Empty(t, n.Cloud)
	assert.False(t, n.IsReal())
}

func TestScanTask(t *testing.T) {
	ip := "10.0.0.1"
	row := fakeRow{values: []interface{}{
		int64(42), "demo task", []byte(`{"engine":"demo"}`), &ip, int(model.Running),
	}}

	task, err := scanTask(row)
	require.NoError(t, err)
	assert.Equal(t, int64(42), task.ID)
	assert.Equal(t, model.Running, task.Status)
	assert.Equal(t, "10.0.0.1", task.IP)
	eng, ok := task.Engine()
	assert.True(t, ok)
	assert.Equal(t, "demo", eng)
}

func TestNullableHelpers(t *testing.T) {
	assert.Nil(t, nullableInt(0))
	assert.Equal(t, 5, *nullableInt(5))
	assert.Nil(t, nullableString(""))
	assert.Equal(t, "x", *nullableString("x"))
}
