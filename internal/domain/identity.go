package domain

// Identity is the trusted caller record produced by the identity boundary.
type Identity struct {
	CorpID     string `json:"corpId"`
	EmployeeID string `json:"employeeId"`
	Name       string `json:"name"`
	Department string `json:"department"`
	Role       string `json:"role"`
}

const RoleAdmin = "admin"

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
