package scanaudit

import (
	"fmt"

	"github.com/eclinic/qrid/internal/domain/qrtoken"
)

// scanPolicy lists the token types each role may present. Doctors and
// clinics see everything.
var scanPolicy = map[Role]map[qrtoken.Type]bool{
	RolePharmacy: {
		qrtoken.TypeLink:         true,
		qrtoken.TypeEmergency:    true,
		qrtoken.TypePrescription: true,
	},
	RoleLab: {
		qrtoken.TypeLink:      true,
		qrtoken.TypeEmergency: true,
		qrtoken.TypeLabReport: true,
	},
}

// Authorize reports whether actor may view the decoded token. Time-limited
// tokens are judged by their inner payload.
func Authorize(actor Actor, tok *qrtoken.Token) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if tok == nil {
		return fmt.Errorf("authorize: token is required")
	}
	switch actor.Role {
	case RoleDoctor, RoleClinic:
		return nil
	}
	t := tok.InnerType()
	if scanPolicy[actor.Role][t] {
		return nil
	}
	return fmt.Errorf("%w: role %s cannot view %s", ErrAccessDenied, actor.Role, t)
}
