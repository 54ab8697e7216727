package tomra

// Wire types mirror the Tomra webhook body. Pointers and nil slices mark
// groups the producer left out.

type envelope struct {
	Metadata        *metadata        `json:"metadata"`
	Machine         *machine         `json:"machine"`
	Bins            []bin            `json:"bins"`
	Table           *fill            `json:"table"`
	CrateConveyor   *fill            `json:"crateConveyor"`
	Connection      *connection      `json:"connection"`
	Cleaning        *cleaning        `json:"cleaning"`
	Assistant       *assistant       `json:"assistant"`
	PaymentTerminal *paymentTerminal `json:"paymentTerminal"`
}

type metadata struct {
	RVM      *rvm      `json:"rvm"`
	Location *location `json:"location"`
}

type rvm struct {
	SerialNumber string `json:"serialNumber"`
	Type         string `json:"type"`
}

type location struct {
	CustomerID string `json:"customerId"`
	Name       string `json:"name"`
}

type machine struct {
	Status    string          `json:"status"`
	Details   []machineDetail `json:"details"`
	UpdatedAt string          `json:"updatedAt"`
}

type machineDetail struct {
	Reason string `json:"reason"`
}

type bin struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updatedAt"`
}

type fill struct {
	Status    string `json:"status"`
	UpdatedAt string `json:"updatedAt"`
}

type connection struct {
	Status     string `json:"status"`
	LastSeenAt string `json:"lastSeenAt"`
}

type cleaning struct {
	Status string `json:"status"`
}

type assistant struct {
	RequestedAt string `json:"requestedAt"`
}

type paymentTerminal struct {
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	UpdatedAt string `json:"updatedAt"`
}
