package twin

import "reflect"

// Delta returns the keys on which the desired document disagrees with the
// reported document, carrying the desired value. Equality is structural
// over the unmarshalled JSON values, so {"a":1} and {"a":1.0} agree while
// {"a":[1,2]} and {"a":[2,1]} do not. Keys present only in the reported
// document do not appear in the delta.
func Delta(desired, reported map[string]interface{}) map[string]interface{} {
	delta := map[string]interface{}{}
	for key, value := range desired {
		current, ok := reported[key]
		if !ok || !reflect.DeepEqual(value, current) {
			delta[key] = value
		}
	}
	return delta
}
