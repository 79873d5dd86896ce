package wire

import "encoding/binary"

// QueryServicesTypeName is the pbtype_name of the only built-in
// BODY_PBTYPE handler (spec §4.7): it returns every service name
// containing Prefix as a substring.
const QueryServicesTypeName = "QueryServices"

// QueryServicesRequest is the pbdata payload for QueryServicesTypeName requests.
type QueryServicesRequest struct {
	Prefix string
}

func (q QueryServicesRequest) Marshal() []byte { return appendLP16(nil, q.Prefix) }

func UnmarshalQueryServicesRequest(p []byte) (QueryServicesRequest, error) {
	prefix, _, err := readLP16(p, "queryservices.prefix")
	if err != nil {
		return QueryServicesRequest{}, err
	}
	return QueryServicesRequest{Prefix: prefix}, nil
}

// QueryServicesResponse is the pbdata payload for QueryServicesTypeName responses.
type QueryServicesResponse struct {
	Names []string
}

func (q QueryServicesResponse) Marshal() []byte {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(q.Names)))
	for _, n := range q.Names {
		out = appendLP16(out, n)
	}
	return out
}

func UnmarshalQueryServicesResponse(p []byte) (QueryServicesResponse, error) {
	if err := need(p, 2, "queryservices.response.count"); err != nil {
		return QueryServicesResponse{}, err
	}
	var local [2]byte
	copy(local[:], p[:2])
	count := int(binary.BigEndian.Uint16(local[:]))
	rest := p[2:]
	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		var name string
		var err error
		name, rest, err = readLP16(rest, "queryservices.response.name")
		if err != nil {
			return QueryServicesResponse{}, err
		}
		names = append(names, name)
	}
	return QueryServicesResponse{Names: names}, nil
}
