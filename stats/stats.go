package stats

import "reflect"
import "strconv"
import "strings"
import "sync/atomic"

// event counters embedded in per-subsystem stats structs. the zero value is
// ready to use.
type Counter_t struct {
	n atomic.Int64
}

func (c *Counter_t) Inc() {
	c.n.Add(1)
}

func (c *Counter_t) Add(m int64) {
	c.n.Add(m)
}

func (c *Counter_t) Get() int64 {
	return c.n.Load()
}

// st must be a pointer to a struct; only Counter_t fields are reported.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	var sb strings.Builder
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if !strings.HasSuffix(t, "Counter_t") {
			continue
		}
		c := v.Field(i).Addr().Interface().(*Counter_t)
		sb.WriteString("\n\t#" + v.Type().Field(i).Name + ": " +
			strconv.FormatInt(c.Get(), 10))
	}
	return sb.String() + "\n"
}
