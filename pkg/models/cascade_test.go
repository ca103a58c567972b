package models

import "testing"

func twoCellCascade() *Cascade {
	return &Cascade{
		CascadeID: "demo",
		Cells: []*Cell{
			{Name: "A", Tool: "python:mod.load", Handoffs: []string{"B"}},
			{Name: "B", Tool: "python:mod.count"},
		},
	}
}

func TestCascadeValidate_OK(t *testing.T) {
	c := twoCellCascade()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid cascade, got %v", err)
	}
}

func TestCascadeValidate_DuplicateName(t *testing.T) {
	c := twoCellCascade()
	c.Cells = append(c.Cells, &Cell{Name: "A", Tool: "python:mod.other"})
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for duplicate cell name")
	}
}

func TestCascadeValidate_NoVariantSet(t *testing.T) {
	c := twoCellCascade()
	c.Cells = append(c.Cells, &Cell{Name: "C"})
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for cell with no variant set")
	}
}

func TestCascadeValidate_MultipleVariantsSet(t *testing.T) {
	c := twoCellCascade()
	c.Cells = append(c.Cells, &Cell{Name: "C", Tool: "x", Instructions: "y"})
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for cell with multiple variants set")
	}
}

func TestCascadeValidate_DanglingHandoff(t *testing.T) {
	c := twoCellCascade()
	c.Cells[1].Handoffs = []string{"ghost"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for dangling handoff target")
	}
}

func TestCascadeValidate_SelfLoopEdge(t *testing.T) {
	c := twoCellCascade()
	c.Edges = append(c.Edges, &Edge{From: "A", To: "A"})
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for self-loop edge")
	}
}

func TestCascadeClone(t *testing.T) {
	c := twoCellCascade()
	clone, err := c.Clone()
	if err != nil {
		t.Fatalf("clone failed: %v", err)
	}
	if clone.CascadeID != c.CascadeID || len(clone.Cells) != len(c.Cells) {
		t.Fatal("clone mismatch")
	}
	clone.Cells[0].Name = "mutated"
	if c.Cells[0].Name == "mutated" {
		t.Fatal("clone is not independent of original")
	}
}

func TestUnreachableCells(t *testing.T) {
	c := twoCellCascade()
	c.Cells = append(c.Cells, &Cell{Name: "orphan", Tool: "python:mod.x"})
	unreachable := c.UnreachableCells()
	if len(unreachable) != 1 || unreachable[0] != "orphan" {
		t.Fatalf("expected [orphan], got %v", unreachable)
	}
}

func TestCellType(t *testing.T) {
	cell := &Cell{Name: "x", Instructions: "do it"}
	typ, err := cell.Type()
	if err != nil || typ != CellTypeLLM {
		t.Fatalf("expected llm cell type, got %v err=%v", typ, err)
	}
}
