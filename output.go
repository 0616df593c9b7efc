package ctrlstack

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"gopkg.in/yaml.v3"
)

// printResult writes a method result for the CLI. Strings are printed
// verbatim and empty results print nothing.
func printResult(w io.Writer, result any, format string) error {
	if result == nil {
		return nil
	}
	rv := reflect.ValueOf(result)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
	case reflect.String:
		_, err := fmt.Fprintln(w, rv.String())
		return err
	}

	switch format {
	case "", "json":
		b, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml":
		// Go through JSON so field names follow json tags.
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
