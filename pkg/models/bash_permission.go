package models

import "encoding/json"

func marshalStringSet(set map[string]struct{}) ([]byte, error) {
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return json.Marshal(out)
}

func unmarshalBashPermission(data []byte) (bashKind, map[string]struct{}, error) {
	var asBool bool
	if err := json.Unmarshal(data, &asBool); err == nil {
		if asBool {
			return bashKindUnrestricted, nil, nil
		}
		return bashKindDenied, nil, nil
	}

	var asList []string
	if err := json.Unmarshal(data, &asList); err != nil {
		return bashKindDenied, nil, err
	}
	set := make(map[string]struct{}, len(asList))
	for _, c := range asList {
		set[c] = struct{}{}
	}
	return bashKindList, set, nil
}
