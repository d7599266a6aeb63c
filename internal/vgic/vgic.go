package vgic

// GIC aggregates one VM's virtual GIC state: the shared distributor, one
// redistributor + one set of list registers per vCPU.
type GIC struct {
	Distributor    *Distributor
	Redistributors []*Redistributor
	ListRegs       []*ListRegisters
}

// New builds a GIC for numVCPUs vCPUs.
func New(numVCPUs int) *GIC {
	g := &GIC{
		Distributor:    NewDistributor(numVCPUs),
		Redistributors: make([]*Redistributor, numVCPUs),
		ListRegs:       make([]*ListRegisters, numVCPUs),
	}
	for i := 0; i < numVCPUs; i++ {
		g.Redistributors[i] = NewRedistributor(i, numVCPUs)
		g.ListRegs[i] = &ListRegisters{}
	}
	return g
}

// InjectSPI routes SPI intid to its configured target vCPU and queues it in
// that vCPU's list registers, implementing the "SPI n routes to exactly
// vCPU IROUTER[n-32].Aff0" invariant spec.md §8 tests.
func (g *GIC) InjectSPI(intid uint32, priority uint8) {
	target, enabled := g.Distributor.RaiseSPI(intid)
	if !enabled {
		return
	}
	if target < 0 || target >= len(g.ListRegs) {
		return
	}
	g.ListRegs[target].Inject(intid, priority, true)
}

// InjectPrivate raises an SGI/PPI (INTID < 32) directly on one vCPU's
// redistributor and list registers.
func (g *GIC) InjectPrivate(vcpu int, intid uint32, priority uint8) {
	if vcpu < 0 || vcpu >= len(g.Redistributors) {
		return
	}
	g.Redistributors[vcpu].RaisePrivate(intid)
	g.ListRegs[vcpu].Inject(intid, priority, true)
}
