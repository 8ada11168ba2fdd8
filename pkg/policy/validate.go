package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cloudsteward/steward/pkg/engine"
)

var validate = validator.New()

// Validate runs struct validation on a decoded policy. It does not check
// filters or actions; those need the resource type.
func Validate(p *Policy) error {
	if p == nil {
		return engine.NewSchemaError("policy is nil", nil)
	}
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		err = errors.New(strings.Join(msgs, "; "))
	}
	return engine.NewSchemaError(fmt.Sprintf("invalid policy %q", p.Name), err)
}
