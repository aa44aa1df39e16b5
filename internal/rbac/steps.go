package rbac

// MinWorkflowStep and MaxWorkflowStep bound the nine fixed planning phases.
const (
	MinWorkflowStep = 1
	MaxWorkflowStep = 9
)

// ApproverRolesForStep maps a workflow step to the roles permitted to approve
// documents at that step. Steps outside 1-9 yield no approvers, so approval
// is denied rather than defaulted.
func ApproverRolesForStep(step int) []ProjectRole {
	switch step {
	case 1:
		return []ProjectRole{RoleContentPlanning}
	case 2:
		return []ProjectRole{RoleContentPlanning}
	case 3:
		return []ProjectRole{RoleServicePlanning}
	case 4:
		return []ProjectRole{RoleUXPlanning}
	case 5:
		return []ProjectRole{RoleDeveloper}
	case 6:
		return []ProjectRole{RoleServicePlanning}
	case 7:
		return []ProjectRole{RoleContentPlanning}
	case 8:
		return []ProjectRole{RoleServicePlanning}
	case 9:
		return []ProjectRole{RoleContentPlanning, RoleServicePlanning}
	default:
		return nil
	}
}

func ValidWorkflowStep(step int) bool {
	return step >= MinWorkflowStep && step <= MaxWorkflowStep
}
