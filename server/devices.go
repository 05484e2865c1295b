package server

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/gorilla/rpc/v2/json2"
)

// ResourceType is the declared type of a resource value. Values travel base64 encoded;
// the type constrains the decoded bytes.
type ResourceType string

const (
	TypeOpaque  ResourceType = "opaque"
	TypeString  ResourceType = "string"
	TypeInteger ResourceType = "int"
	TypeFloat   ResourceType = "float"
	TypeBoolean ResourceType = "bool"
	TypeTime    ResourceType = "time"
	TypeObjLink ResourceType = "objlink"
)

// parseResourceType maps the wire name to a type. Missing or unknown names are opaque.
func parseResourceType(name string) ResourceType {
	switch t := ResourceType(name); t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeTime, TypeObjLink:
		return t
	default:
		return TypeOpaque
	}
}

// accepts reports whether value is a valid encoding for t. An empty value declares the
// resource without setting it.
func (t ResourceType) accepts(value []byte) bool {
	n := len(value)
	if n == 0 {
		return true
	}
	switch t {
	case TypeInteger, TypeTime:
		return n == 1 || n == 2 || n == 4 || n == 8
	case TypeFloat:
		return n == 4 || n == 8
	case TypeBoolean:
		return n == 1 && value[0] <= 1
	case TypeObjLink:
		return n == 4
	default:
		return true
	}
}

// Resource is one value of a device, addressed by object, object instance and resource id.
type Resource struct {
	ObjectID         int          `json:"objectId"`
	ObjectInstanceID int          `json:"objectInstanceId"`
	ResourceID       int          `json:"resourceId"`
	Type             ResourceType `json:"type"`
	Operations       int          `json:"operations"`
	Value            []byte       `json:"value"`
}

type resourcePath struct {
	object, instance, resource int
}

func (r Resource) path() resourcePath {
	return resourcePath{r.ObjectID, r.ObjectInstanceID, r.ResourceID}
}

type device struct {
	id        string
	owner     *translator
	resources map[resourcePath]Resource
}

func newDevice(id string, owner *translator) *device {
	return &device{id: id, owner: owner, resources: make(map[resourcePath]Resource)}
}

func (d *device) apply(resources []Resource) {
	for _, r := range resources {
		d.resources[r.path()] = r
	}
}

// DeviceInfo describes a registered device and its stored resource values.
type DeviceInfo struct {
	ID         string     `json:"deviceId"`
	Translator string     `json:"translator"`
	Resources  []Resource `json:"resources"`
}

func (d *device) info() DeviceInfo {
	out := DeviceInfo{ID: d.id, Translator: d.owner.name, Resources: make([]Resource, 0, len(d.resources))}
	for _, r := range d.resources {
		out.Resources = append(out.Resources, r)
	}
	sort.Slice(out.Resources, func(i, j int) bool {
		a, b := out.Resources[i].path(), out.Resources[j].path()
		if a.object != b.object {
			return a.object < b.object
		}
		if a.instance != b.instance {
			return a.instance < b.instance
		}
		return a.resource < b.resource
	})
	return out
}

// Params of device_register and of the inbound write. Ids are pointers so a missing key
// can be told apart from zero.
type deviceParams struct {
	DeviceID string         `json:"deviceId"`
	Objects  []objectParams `json:"objects"`
}

type objectParams struct {
	ObjectID        *int             `json:"objectId"`
	ObjectInstances []instanceParams `json:"objectInstances"`
}

type instanceParams struct {
	ObjectInstanceID *int             `json:"objectInstanceId"`
	Resources        []resourceParams `json:"resources"`
}

type resourceParams struct {
	ResourceID *int   `json:"resourceId"`
	Type       string `json:"type"`
	Operations int    `json:"operations"`
	Value      any    `json:"value"`
}

func invalidStructure(detail string) error {
	return &json2.Error{Code: CodeInvalidStructure, Message: "Invalid json structure", Data: detail}
}

func illegalValue(detail string) error {
	return &json2.Error{Code: CodeIllegalValue, Message: "Illegal value", Data: detail}
}

// resources checks every object, instance and resource and decodes the values. Nothing
// is stored until all of them are valid, so a rejected request leaves the device as it was.
func (p *deviceParams) resources() ([]Resource, error) {
	var out []Resource
	for _, obj := range p.Objects {
		if obj.ObjectID == nil {
			return nil, invalidStructure("Invalid or missing objectId key.")
		}
		for _, inst := range obj.ObjectInstances {
			if inst.ObjectInstanceID == nil {
				return nil, invalidStructure("Invalid or missing objectInstanceId key.")
			}
			for _, res := range inst.Resources {
				if res.ResourceID == nil {
					return nil, invalidStructure("Invalid or missing resource resourceId key.")
				}
				r := Resource{
					ObjectID:         *obj.ObjectID,
					ObjectInstanceID: *inst.ObjectInstanceID,
					ResourceID:       *res.ResourceID,
					Type:             parseResourceType(res.Type),
					Operations:       res.Operations,
				}
				if res.Value != nil {
					encoded, ok := res.Value.(string)
					if !ok {
						return nil, illegalValue("Message value is not a string.")
					}
					value, err := base64.StdEncoding.DecodeString(encoded)
					if err != nil {
						return nil, illegalValue("Message value is not valid base64.")
					}
					r.Value = value
				}
				if !r.Type.accepts(r.Value) {
					return nil, illegalValue(fmt.Sprintf("Value of /d/%s/%d/%d/%d is not a valid %s.",
						p.DeviceID, r.ObjectID, r.ObjectInstanceID, r.ResourceID, r.Type))
				}
				out = append(out, r)
			}
		}
	}
	return out, nil
}
