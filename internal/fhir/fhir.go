// Package fhir maps filter artifacts onto the vocabulary of the FHIR bulk
// data import kit: it infers the resource type carried by an NDJSON file
// from its name, and models the Parameters payload and outcome shapes of
// the $import operation.
package fhir

import "strings"

// TypeUnknown is returned when no resource type can be inferred from a
// filename. Servers typically reject inputs of this type, so callers should
// surface it before submitting a manifest.
const TypeUnknown = "Unknown"

// typesByPrefix maps exact filename prefixes to resource types. The longest
// matching prefix wins, so MimicMedicationAdministration is not swallowed by
// MimicMedication.
var typesByPrefix = map[string]string{
	"MimicPatient":                  "Patient",
	"MimicCondition":                "Condition",
	"MimicEncounter":                "Encounter",
	"MimicLocation":                 "Location",
	"MimicOrganization":             "Organization",
	"MimicMedication":               "Medication",
	"MimicMedicationAdministration": "MedicationAdministration",
	"MimicMedicationDispense":       "MedicationDispense",
	"MimicMedicationRequest":        "MedicationRequest",
	"MimicMedicationStatement":      "MedicationStatement",
	"MimicObservation":              "Observation",
	"MimicProcedure":                "Procedure",
	"MimicSpecimen":                 "Specimen",
}

// medicationKinds disambiguates the Medication resource family during
// substring fallback. Checked in order.
var medicationKinds = []string{"Administration", "Dispense", "Request", "Statement"}

// ResourceTypeFor infers the FHIR resource type of an NDJSON file from its
// name. Extensions are stripped first, then the name is matched against the
// known prefix table, then against case-sensitive substring fallbacks for
// files that do not follow the MIMIC naming scheme. Returns TypeUnknown when
// nothing matches.
func ResourceTypeFor(filename string) string {
	stem := stripExtensions(filename)

	if typ, ok := prefixType(stem); ok {
		return typ
	}
	return fallbackType(stem)
}

func stripExtensions(filename string) string {
	for _, suffix := range []string{".ndjson.gz", ".ndjson.zst", ".ndjson"} {
		if strings.HasSuffix(filename, suffix) {
			return strings.TrimSuffix(filename, suffix)
		}
	}
	return filename
}

// prefixType scans the whole table and keeps the longest matching prefix,
// which makes the lookup independent of map iteration order.
func prefixType(stem string) (string, bool) {
	var best, typ string
	for prefix, t := range typesByPrefix {
		if strings.HasPrefix(stem, prefix) && len(prefix) > len(best) {
			best, typ = prefix, t
		}
	}
	return typ, best != ""
}

func fallbackType(stem string) string {
	for _, typ := range []string{"Patient", "Condition", "Encounter", "Observation"} {
		if strings.Contains(stem, typ) {
			return typ
		}
	}
	if strings.Contains(stem, "Medication") {
		for _, kind := range medicationKinds {
			if strings.Contains(stem, kind) {
				return "Medication" + kind
			}
		}
		return "Medication"
	}
	for _, typ := range []string{"Procedure", "Specimen", "Location", "Organization"} {
		if strings.Contains(stem, typ) {
			return typ
		}
	}
	return TypeUnknown
}
